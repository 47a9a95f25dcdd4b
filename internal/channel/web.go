// Package channel is the HTTP front door: a JSON chat endpoint plus status,
// catalog and maintenance routes.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpchat/internal/agent"
	"mcpchat/internal/config"
	"mcpchat/internal/domain"
	"mcpchat/internal/metrics"
	"mcpchat/internal/tool"
)

const (
	sessionCookieName = "mcpchat_session"
	sessionMaxAge     = 86400 * 30 // 30 days
	maxFormMemory     = 1 << 20
	previewBytes      = 1000
	shutdownTimeout   = 10 * time.Second
)

// Agent runs chat turns.
type Agent interface {
	RunTurn(ctx context.Context, s *agent.Session, user domain.Turn) (domain.Turn, error)
	UserMessage(err error) string
}

// Catalog is the tool registry as seen by the endpoint.
type Catalog interface {
	Definitions() []domain.ToolDescriptor
	Collisions() []tool.Collision
	Servers() []tool.ServerStatus
	Restart(ctx context.Context, server string) error
}

// Web serves the chat API.
type Web struct {
	host      string
	port      int
	maxUpload int64
	version   string
	backend   string
	logger    *slog.Logger

	agent    Agent
	sessions *agent.SessionManager
	tools    Catalog

	metricsPath string
	cfg         *config.Config

	mu     sync.Mutex
	server *http.Server
	addr   string
}

type WebConfig struct {
	Host           string
	Port           int
	MaxUploadBytes int64
	Version        string
	BackendName    string
	Logger         *slog.Logger

	Agent    Agent
	Sessions *agent.SessionManager
	Tools    Catalog

	MetricsPath string         // empty disables /metrics
	Config      *config.Config // optional, served sanitized at /config
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:        cfg.Host,
		port:        cfg.Port,
		maxUpload:   cfg.MaxUploadBytes,
		version:     cfg.Version,
		backend:     cfg.BackendName,
		logger:      cfg.Logger,
		agent:       cfg.Agent,
		sessions:    cfg.Sessions,
		tools:       cfg.Tools,
		metricsPath: cfg.MetricsPath,
		cfg:         cfg.Config,
	}
}

// Handler returns the routes, wrapped in panic recovery.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", w.handleChat)
	mux.HandleFunc("POST /chat/clear", w.handleClear)
	mux.HandleFunc("GET /status", w.handleStatus)
	mux.HandleFunc("GET /tools", w.handleTools)
	mux.HandleFunc("POST /tools/{server}/restart", w.handleRestart)
	if w.cfg != nil {
		mux.HandleFunc("GET /config", w.handleConfig)
	}
	if w.metricsPath != "" {
		mux.Handle("GET "+w.metricsPath, metrics.Collector.Handler())
	}
	return w.recoverer(mux)
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (w *Web) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", w.host, w.port))
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	w.mu.Lock()
	w.server = srv
	w.addr = ln.Addr().String()
	w.mu.Unlock()

	w.logger.Info("chat endpoint started", "addr", "http://"+w.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("chat endpoint shutdown", "err", err)
		}
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (w *Web) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`

	fileName string
	preview  string
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, w.maxUpload)

	req, err := w.parseChat(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(rw, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", w.maxUpload))
			return
		}
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.fileName == "" {
		writeError(rw, http.StatusBadRequest, "empty message")
		return
	}

	sessionID := w.sessionID(rw, r, req.SessionID)
	user := domain.Turn{Role: domain.RoleUser, Content: req.Message, CreatedAt: time.Now()}
	if req.fileName != "" {
		user.Content += "\n[File uploaded: " + req.fileName + "]"
		user.Attachment = req.preview
	}

	s := w.sessions.GetOrCreate(sessionID)
	reply, err := w.agent.RunTurn(r.Context(), s, user)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			w.logger.Error("chat turn failed", "session", sessionID, "err", err)
		}
		writeError(rw, status, w.agent.UserMessage(err))
		return
	}
	writeJSON(rw, http.StatusOK, chatResponse{Response: reply.Content, SessionID: sessionID})
}

// parseChat reads a JSON body, a multipart form with an optional file, or
// a urlencoded form.
func (w *Web) parseChat(r *http.Request) (chatRequest, error) {
	var req chatRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return req, fmt.Errorf("invalid form: %w", err)
		}
		req.Message = r.FormValue("message")
		req.SessionID = r.FormValue("session_id")
		file, header, err := r.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return req, nil
		}
		if err != nil {
			return req, fmt.Errorf("invalid file: %w", err)
		}
		defer file.Close()
		head, err := io.ReadAll(io.LimitReader(file, previewBytes))
		if err != nil {
			return req, fmt.Errorf("read file: %w", err)
		}
		req.fileName = header.Filename
		req.preview = "[File content: " + strings.ToValidUTF8(string(head), "") + "...]"
		return req, nil

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("invalid form: %w", err)
		}
		req.Message = r.PostFormValue("message")
		req.SessionID = r.PostFormValue("session_id")
		return req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, err
		}
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	return req, nil
}

// sessionID picks the session from the body, then the cookie, else a new
// one. The cookie is (re)set whenever it does not already match.
func (w *Web) sessionID(rw http.ResponseWriter, r *http.Request, fromBody string) string {
	id := fromBody
	cookie, err := r.Cookie(sessionCookieName)
	if id == "" && err == nil {
		id = cookie.Value
	}
	if id == "" {
		id = uuid.NewString()
		w.logger.Info("new web session", "session", id)
	}
	if err != nil || cookie.Value != id {
		http.SetCookie(rw, &http.Cookie{
			Name:     sessionCookieName,
			Value:    id,
			Path:     "/",
			MaxAge:   sessionMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return id
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTurnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrIterationLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrModelUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (w *Web) handleClear(rw http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if cookie, err := r.Cookie(sessionCookieName); id == "" && err == nil {
		id = cookie.Value
	}
	cleared := id != "" && w.sessions.Delete(id)

	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(rw, http.StatusOK, map[string]any{"status": "session cleared", "cleared": cleared})
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  w.version,
		"backend":  w.backend,
		"uptime":   metrics.Collector.Uptime().Round(time.Second).String(),
		"tools":    len(w.tools.Definitions()),
		"servers":  w.tools.Servers(),
		"sessions": w.sessions.Len(),
		"time":     time.Now().Format(time.RFC3339),
	})
}

func (w *Web) handleTools(rw http.ResponseWriter, r *http.Request) {
	body := map[string]any{"tools": w.tools.Definitions()}
	if c := w.tools.Collisions(); len(c) > 0 {
		body["collisions"] = c
	}
	writeJSON(rw, http.StatusOK, body)
}

func (w *Web) handleRestart(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("server")
	known := false
	for _, s := range w.tools.Servers() {
		if s.Name == name {
			known = true
			break
		}
	}
	if !known {
		writeError(rw, http.StatusNotFound, fmt.Sprintf("unknown tool server %q", name))
		return
	}
	if err := w.tools.Restart(r.Context(), name); err != nil {
		w.logger.Error("tool server restart failed", "server", name, "err", err)
		writeError(rw, http.StatusBadGateway, err.Error())
		return
	}
	for _, s := range w.tools.Servers() {
		if s.Name == name {
			writeJSON(rw, http.StatusOK, map[string]any{"status": "restarted", "server": s})
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "restarted"})
}

func (w *Web) handleConfig(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, config.Sanitize(w.cfg))
}

// recoverer turns a handler panic into a 500 with the error shape.
func (w *Web) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				w.logger.Error("handler panic", "path", r.URL.Path, "panic", v)
				writeError(rw, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
