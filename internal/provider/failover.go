package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mcpchat/internal/domain"
)

// Failover tries backends in order, moving to the next when one fails.
type Failover struct {
	backends []domain.Backend
	logger   *slog.Logger
}

// NewFailover builds a failover chain. At least one backend is required.
func NewFailover(backends []domain.Backend, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{backends: backends, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Generate returns the first successful generation. A cancelled or
// expired ctx ends the chain immediately.
func (f *Failover) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Generation, error) {
	if len(f.backends) == 0 {
		return nil, fmt.Errorf("%w: empty failover chain", domain.ErrModelUnavailable)
	}
	var lastErr error
	for i, b := range f.backends {
		gen, err := b.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback backend", "backend", b.Name(), "attempt", i+1)
			}
			return gen, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		f.logger.Warn("failover: backend failed, trying next", "backend", b.Name(), "attempt", i+1, "err", err)
	}
	if !errors.Is(lastErr, domain.ErrModelUnavailable) {
		lastErr = fmt.Errorf("%w: %w", domain.ErrModelUnavailable, lastErr)
	}
	return nil, fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}
