// Package agent runs chat turns: it drives a reasoning backend through
// tool round trips and keeps per-session conversation history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"mcpchat/internal/domain"
	"mcpchat/internal/metrics"
	"mcpchat/internal/tool"
)

const (
	defaultMaxIterations    = 10
	defaultMaxParallelTools = 5
	defaultTurnTimeout      = 600 * time.Second
	defaultCancelGrace      = 2 * time.Second

	emptyAnswer = "I've completed processing but have no additional response."
)

// State is a reasoning loop state.
type State int

const (
	AwaitingModel State = iota
	ExecutingTool
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingModel:
		return "awaiting_model"
	case ExecutingTool:
		return "executing_tool"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loop runs chat turns against a backend and a tool dispatcher. It is safe
// for concurrent use; turns of one session are serialized.
type Loop struct {
	backend       domain.Backend
	tools         domain.ToolDispatcher
	filter        *ToolFilter
	logger        *slog.Logger
	system        string
	maxIterations int
	maxParallel   int
	turnTimeout   time.Duration
	cancelGrace   time.Duration
	historyLimit  int
	textCalls     bool
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Backend          domain.Backend
	Tools            domain.ToolDispatcher
	Filter           *ToolFilter // optional
	Logger           *slog.Logger
	SystemPrompt     string
	MaxIterations    int           // tool round trips per turn (default 10)
	MaxParallelTools int           // concurrent dispatches per batch (default 5)
	TurnTimeout      time.Duration // default 600s
	CancelGrace      time.Duration // 0 uses the default 2s; negative means none
	HistoryLimit     int           // turns of history sent to the model; 0 = all

	// TextToolCalls treats an answer that is nothing but a tool call
	// object as a call, for backends without native tool calling.
	TextToolCalls bool
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.CancelGrace < 0 {
		cfg.CancelGrace = 0
	} else if cfg.CancelGrace == 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	return &Loop{
		backend:       cfg.Backend,
		tools:         cfg.Tools,
		filter:        cfg.Filter,
		logger:        cfg.Logger,
		system:        cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		maxParallel:   cfg.MaxParallelTools,
		turnTimeout:   cfg.TurnTimeout,
		cancelGrace:   cfg.CancelGrace,
		historyLimit:  cfg.HistoryLimit,
		textCalls:     cfg.TextToolCalls,
	}
}

// Backend returns the backend turns run against.
func (l *Loop) Backend() domain.Backend { return l.backend }

// RunTurn answers userTurn in the context of session s. On success the
// user turn and the returned assistant turn are appended to the session
// history together; a failed turn leaves the history untouched.
//
// Errors wrap domain.ErrTurnTimeout, domain.ErrIterationLimit or
// domain.ErrModelUnavailable; a cancelled ctx is returned as is.
func (l *Loop) RunTurn(ctx context.Context, s *Session, userTurn domain.Turn) (domain.Turn, error) {
	if err := s.acquire(ctx); err != nil {
		return domain.Turn{}, err
	}
	defer s.release()

	metrics.TurnsTotal.Inc()
	start := time.Now()

	userTurn.Role = domain.RoleUser
	if userTurn.CreatedAt.IsZero() {
		userTurn.CreatedAt = start
	}

	turnCtx, cancel := context.WithTimeout(domain.WithSessionID(ctx, s.ID), l.turnTimeout)
	defer cancel()

	working := append(l.window(s.History.Snapshot()), userTurn)
	reply, err := l.run(turnCtx, working)
	if err != nil {
		if errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", domain.ErrTurnTimeout, l.turnTimeout)
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
		metrics.TurnFailures(failureReason(err)).Inc()
		l.logger.Warn("turn failed", "session", s.ID, "state", Failed, "elapsed", time.Since(start), "err", err)
		return domain.Turn{}, err
	}

	s.History.Append(userTurn, reply)
	l.logger.Info("turn completed", "session", s.ID, "elapsed", time.Since(start), "answer_len", len(reply.Content))
	return reply, nil
}

// window trims history to the most recent historyLimit turns.
func (l *Loop) window(history []domain.Turn) []domain.Turn {
	if l.historyLimit > 0 && len(history) > l.historyLimit {
		return history[len(history)-l.historyLimit:]
	}
	return history
}

// run drives the state machine over the working context until the model
// answers without requesting tools.
func (l *Loop) run(ctx context.Context, working []domain.Turn) (domain.Turn, error) {
	defs := l.filter.Apply(l.tools.Definitions())
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}

	state := AwaitingModel
	rounds := 0
	for {
		l.logger.Debug("turn state", "state", state, "round", rounds, "context", len(working))

		gen, err := l.generate(ctx, working, defs)
		if err != nil {
			return domain.Turn{}, err
		}
		if l.textCalls && gen.IsFinal() && gen.Content != "" {
			if calls := extractToolCalls(gen.Content, names); len(calls) > 0 {
				l.logger.Info("extracted tool calls from content text", "count", len(calls))
				gen.ToolCalls, gen.Content = calls, ""
			}
		}
		if gen.IsFinal() {
			content := stripRolePrefix(gen.Content)
			if content == "" {
				content = emptyAnswer
			}
			l.logger.Debug("turn state", "state", Done, "round", rounds)
			return domain.Turn{Role: domain.RoleAssistant, Content: content, CreatedAt: time.Now()}, nil
		}

		if rounds == l.maxIterations {
			return domain.Turn{}, fmt.Errorf("%w: %d tool steps", domain.ErrIterationLimit, l.maxIterations)
		}
		rounds++
		state = ExecutingTool
		l.logger.Debug("turn state", "state", state, "round", rounds, "calls", len(gen.ToolCalls))

		working = append(working, domain.Turn{
			Role:      domain.RoleAssistant,
			Content:   gen.Content,
			ToolCalls: gen.ToolCalls,
			CreatedAt: time.Now(),
		})
		results, err := l.dispatchBatch(ctx, gen.ToolCalls)
		if err != nil {
			return domain.Turn{}, err
		}
		for i, tc := range gen.ToolCalls {
			working = append(working, domain.Turn{
				Role:       domain.RoleTool,
				Content:    results[i].Text(),
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				CreatedAt:  time.Now(),
			})
		}
		state = AwaitingModel
	}
}

func (l *Loop) generate(ctx context.Context, working []domain.Turn, defs []domain.ToolDescriptor) (*domain.Generation, error) {
	metrics.ModelRequestsTotal.Inc()
	start := time.Now()
	var gen *domain.Generation
	err := l.await(ctx, func() error {
		var err error
		gen, err = l.backend.Generate(ctx, domain.GenerateRequest{
			System: l.system,
			Turns:  working,
			Tools:  defs,
		})
		return err
	})
	metrics.ModelLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, domain.ErrModelUnavailable) {
			err = fmt.Errorf("%w: %s: %w", domain.ErrModelUnavailable, l.backend.Name(), err)
		}
		return nil, err
	}
	if gen == nil {
		return nil, fmt.Errorf("%w: %s: empty generation", domain.ErrModelUnavailable, l.backend.Name())
	}
	return gen, nil
}

// dispatchBatch runs one response's tool calls concurrently and returns
// their results in request order.
func (l *Loop) dispatchBatch(ctx context.Context, calls []domain.ToolCall) ([]domain.ToolResult, error) {
	results := make([]domain.ToolResult, len(calls))
	err := l.await(ctx, func() error {
		p := pool.New().WithMaxGoroutines(l.maxParallel)
		for i, tc := range calls {
			p.Go(func() {
				if !l.filter.Allows(tc.Name) {
					results[i] = domain.Failed(fmt.Errorf("%w: %s", domain.ErrToolNotFound, tc.Name))
					return
				}
				l.logger.Info("executing tool", "tool", tc.Name)
				if l.logger.Enabled(ctx, slog.LevelDebug) {
					l.logger.Debug("tool arguments", "tool", tc.Name, "args", tool.DescribeArgs(tc.Arguments))
				}
				results[i] = l.tools.Dispatch(ctx, tc)
			})
		}
		p.Wait()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// await runs fn and returns its error. Once ctx is done it waits at most
// cancelGrace for fn to notice, then returns ctx.Err() without it; fn's
// late writes must only touch state the caller then discards.
func (l *Loop) await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	grace := time.NewTimer(l.cancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		l.logger.Warn("in-flight work ignored the cancellation, abandoning it", "grace", l.cancelGrace)
	}
	return ctx.Err()
}

// UserMessage renders a RunTurn error for the person chatting.
func (l *Loop) UserMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrTurnTimeout):
		return "AI took too long to respond. Please try again."
	case errors.Is(err, domain.ErrIterationLimit):
		return fmt.Sprintf("The assistant exceeded the maximum of %d tool steps for one message.", l.maxIterations)
	case errors.Is(err, domain.ErrModelUnavailable):
		return "The AI model is currently unavailable. Please try again later."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	}
	return "Sorry, I encountered an error while processing your message."
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTurnTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrIterationLimit):
		return "iteration_limit"
	case errors.Is(err, domain.ErrModelUnavailable):
		return "model"
	}
	return "error"
}
