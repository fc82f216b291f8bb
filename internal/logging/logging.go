package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent   = "component"
	KeyConnID      = "connId"
	KeyRequestID   = "requestId"
	KeySessionID   = "sessionId"
	KeyMessageType = "type"
	KeyError       = "error"
)

type contextKey struct{}

// swapHandler lets package-level loggers created before Init() pick up the
// configured handler once Init runs. All copies derived through WithAttrs or
// WithGroup share the same root pointer and replay their derivations in order.
type swapHandler struct {
	root  *atomic.Pointer[slog.Handler]
	steps []deriveStep
}

// deriveStep is one WithGroup (group set) or WithAttrs call.
type deriveStep struct {
	group string
	attrs []slog.Attr
}

func newSwapHandler(h slog.Handler) *swapHandler {
	root := &atomic.Pointer[slog.Handler]{}
	root.Store(&h)
	return &swapHandler{root: root}
}

func (h *swapHandler) swap(next slog.Handler) {
	h.root.Store(&next)
}

func (h *swapHandler) resolve() slog.Handler {
	handler := *h.root.Load()
	for _, st := range h.steps {
		if st.group != "" {
			handler = handler.WithGroup(st.group)
			continue
		}
		handler = handler.WithAttrs(st.attrs)
	}
	return handler
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *swapHandler) derive(st deriveStep) *swapHandler {
	steps := make([]deriveStep, 0, len(h.steps)+1)
	steps = append(steps, h.steps...)
	steps = append(steps, st)
	return &swapHandler{root: h.root, steps: steps}
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.derive(deriveStep{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(deriveStep{group: name})
}

var (
	defaultSink   = NewSink(DefaultSinkCapacity)
	rootHandler   = newSwapHandler(&sinkHandler{base: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}), sink: defaultSink})
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.swap(&sinkHandler{base: handler, sink: defaultSink})
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// DefaultSink returns the process-wide log-append sink.
func DefaultSink() *Sink {
	return defaultSink
}

// Recent returns up to n of the newest lines held by the default sink.
func Recent(n int) []string {
	return defaultSink.Recent(n)
}

// WithRequest returns a child logger carrying request correlation fields.
func WithRequest(logger *slog.Logger, requestID, msgType string) *slog.Logger {
	return logger.With(
		slog.String(KeyRequestID, requestID),
		slog.String(KeyMessageType, msgType),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
