// Package server exposes the dispatcher over HTTP with a live event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/mjbernaski/threemodels/internal/conversation"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/metrics"
	"github.com/mjbernaski/threemodels/internal/render"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	keepAliveInterval   = 15 * time.Second
	previousPages       = 10
)

// Dispatcher is the subset of *threemodels.Dispatcher the server drives.
type Dispatcher interface {
	DispatchAllWith(ctx context.Context, messages []core.Message, maxRetries int, onSuccess core.SuccessFunc) core.ResultSet
	DispatchAllStreaming(ctx context.Context, messages []core.Message, onChunk core.ChunkFunc) core.ResultSet
	Providers() []string
}

type Options struct {
	Addr           string
	Dispatcher     Dispatcher
	Store          *conversation.Store
	ComparisonsDir string
	MaxRetries     int
	// AskRate limits POST /api/ask per client IP in requests per second;
	// zero disables the limit.
	AskRate  float64
	AskBurst int
	Render   render.Options
	// Metrics is optional; when set /metrics is served.
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Version string
}

type Server struct {
	opts      Options
	app       *echo.Echo
	hub       *hub
	logger    *slog.Logger
	startedAt time.Time
}

// New constructs an HTTP server wired with routing and middleware.
func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}
	if opts.Store == nil {
		return nil, errors.New("conversation store must not be nil")
	}
	if opts.Addr == "" {
		opts.Addr = ":3000"
	}
	if opts.ComparisonsDir == "" {
		opts.ComparisonsDir = filepath.Join("public", "comparisons")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			if opts.Metrics != nil {
				opts.Metrics.RecordHTTPRequest(v.Method, c.Path(), v.Status, v.Latency)
			}
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		ContentSecurityPolicy: "default-src 'self'; style-src 'self' 'unsafe-inline'",
	}))

	s := &Server{
		opts:      opts,
		app:       e,
		hub:       newHub(logger),
		logger:    logger,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.app }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server", "addr", s.opts.Addr, "providers", strings.Join(s.opts.Dispatcher.Providers(), ","))

	// No write timeout: event streams and retried dispatches outlive any fixed bound.
	httpServer := &http.Server{
		Addr:        s.opts.Addr,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/version", s.handleVersion)
	var askMiddleware []echo.MiddlewareFunc
	if s.opts.AskRate > 0 {
		askMiddleware = append(askMiddleware, s.askLimiter())
	}
	s.app.POST("/api/ask", s.handleAsk, askMiddleware...)
	s.app.GET("/api/conversations", s.handleConversations)
	s.app.GET("/api/events", s.handleEvents)
	s.app.GET("/api/ws", s.handleWebSocket)
	s.app.Static("/comparisons", s.opts.ComparisonsDir)
	if s.opts.Metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
	}
}

func (s *Server) askLimiter() echo.MiddlewareFunc {
	burst := s.opts.AskBurst
	if burst < 1 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(s.opts.AskRate),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return requestError{Status: http.StatusForbidden, Message: "unable to identify client"}
		},
		DenyHandler: func(c echo.Context, id string, err error) error {
			return requestError{Status: http.StatusTooManyRequests, Message: "too many requests"}
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"version":   s.opts.Version,
		"startedAt": s.startedAt.Format(time.RFC3339),
		"providers": s.opts.Dispatcher.Providers(),
	})
}

type askRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversationId"`
	Stream         bool   `json:"stream"`
}

type askResponse struct {
	Success        bool           `json:"success"`
	Responses      core.ResultSet `json:"responses"`
	ConversationID string         `json:"conversationId"`
	HTMLFile       string         `json:"htmlFile,omitempty"`
}

func (s *Server) handleAsk(c echo.Context) error {
	var req askRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return requestError{Status: http.StatusBadRequest, Message: "Question is required"}
	}

	id, log, err := s.opts.Store.GetOrCreate(req.ConversationID)
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	s.hub.publish("status", map[string]any{
		"type":           "starting",
		"message":        "Sending question to all models...",
		"conversationId": id,
	})

	messages := append(log.ContextMessages(), core.Message{Role: core.RoleUser, Content: question})
	ctx := c.Request().Context()

	var results core.ResultSet
	if req.Stream {
		results = s.opts.Dispatcher.DispatchAllStreaming(ctx, messages, func(provider, fragment string) {
			if provider == core.CompleteSignal {
				return
			}
			s.hub.publish("chunk", map[string]any{"model": provider, "content": fragment, "conversationId": id})
		})
	} else {
		results = s.opts.Dispatcher.DispatchAllWith(ctx, messages, s.opts.MaxRetries, func(provider, content string, elapsed time.Duration) {
			s.hub.publish("modelResponse", map[string]any{
				"model":          provider,
				"content":        content,
				"duration":       elapsed.Seconds(),
				"conversationId": id,
			})
		})
	}

	log.AppendRound(question, results, false)
	if err := log.Save(); err != nil {
		s.hub.publish("error", map[string]any{"message": err.Error(), "conversationId": id})
		return fmt.Errorf("save conversation: %w", err)
	}

	htmlFile, err := s.writeComparison(log)
	if err != nil {
		s.logger.Error("render comparison failed", slog.String("conversation", id), slog.String("error", err.Error()))
	}

	s.hub.publish("complete", map[string]any{"conversationId": id, "htmlFile": htmlFile, "responses": results})
	return c.JSON(http.StatusOK, askResponse{Success: true, Responses: results, ConversationID: id, HTMLFile: htmlFile})
}

func (s *Server) writeComparison(log *conversation.Log) (string, error) {
	opts := s.opts.Render
	prev, err := render.ListComparisons(s.opts.ComparisonsDir, previousPages)
	if err != nil {
		return "", err
	}
	opts.Previous = prev
	path, err := render.WriteComparison(s.opts.ComparisonsDir, log.Snapshot(), opts)
	if err != nil {
		return "", err
	}
	return filepath.Base(path), nil
}

func (s *Server) handleConversations(c echo.Context) error {
	list, err := render.ListComparisons(s.opts.ComparisonsDir, 0)
	if err != nil {
		return fmt.Errorf("list comparisons: %w", err)
	}
	if list == nil {
		list = []render.Comparison{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleEvents(c echo.Context) error {
	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return requestError{Status: http.StatusInternalServerError, Message: "server does not support streaming responses"}
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, events, cancel := s.hub.subscribe()
	defer cancel()
	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamClientConnected()
		defer s.opts.Metrics.StreamClientDisconnected()
	}

	if err := writeSSEEvent(w, "ready", map[string]string{"clientId": id}); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, ev.Name, ev.Data); err != nil {
				s.logger.Debug("event stream closed", slog.String("client", id), slog.String("error", err.Error()))
				return nil
			}
			flusher.Flush()
		}
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{Status: http.StatusBadRequest, Message: "request body is required"}
		}
		return requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, map[string]string{"error": reqErr.Message})
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, map[string]string{"error": fmt.Sprint(he.Message)})
		return
	}
	_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeSSEEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
