package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/achilleshq/sentinel/internal/logging"
)

// Handler processes one validated message and returns the response data.
type Handler func(ctx context.Context, m Message) (any, error)

// Bridge delivers messages to the agent. Request waits for a reply; Notify
// is fire-and-forget.
type Bridge interface {
	Request(ctx context.Context, m Message) (*Response, error)
	Notify(m Message) error
}

// Router dispatches messages to per-type handlers. Handlers run one at a
// time, in arrival order: the agent's state is single-writer and needs no
// locking inside handlers.
type Router struct {
	logger   logging.Logger
	mu       sync.Mutex
	handlers map[Type]Handler
	serial   sync.Mutex
}

// NewRouter constructs an empty router.
func NewRouter(logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewStdoutLogger("bridge")
	}
	return &Router{
		logger:   logger.With(logging.Field{Key: "component", Value: "bridge"}),
		handlers: make(map[Type]Handler),
	}
}

// Handle registers the handler for one message type, replacing any previous
// one.
func (r *Router) Handle(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Dispatch validates m, runs its handler, and wraps the outcome in a
// Response. Validation failures and handler errors come back as error
// responses, not Go errors; only a missing handler is a hard error.
func (r *Router) Dispatch(ctx context.Context, m Message) (*Response, error) {
	if err := Validate(m); err != nil {
		return &Response{OK: false, Error: err.Error()}, nil
	}
	r.mu.Lock()
	h, ok := r.handlers[m.Type]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bridge: no handler for %s", m.Type)
	}

	r.serial.Lock()
	defer r.serial.Unlock()

	data, err := h(ctx, m)
	if err != nil {
		r.logger.Warn("handler failed",
			logging.Field{Key: "type", Value: string(m.Type)},
			logging.Field{Key: "error", Value: err.Error()})
		return &Response{OK: false, Error: err.Error()}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshalling %s response: %w", m.Type, err)
	}
	return &Response{OK: true, Data: raw}, nil
}

// LocalBridge runs the router in-process. It is what the page-side
// components use when agent and page share one process.
type LocalBridge struct {
	router *Router
}

// NewLocalBridge wraps a router.
func NewLocalBridge(router *Router) *LocalBridge {
	return &LocalBridge{router: router}
}

// Request implements Bridge.
func (b *LocalBridge) Request(ctx context.Context, m Message) (*Response, error) {
	return b.router.Dispatch(ctx, m)
}

// Notify implements Bridge. The response is discarded; dispatch errors are
// returned so callers can log them.
func (b *LocalBridge) Notify(m Message) error {
	resp, err := b.router.Dispatch(context.Background(), m)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("bridge: %s rejected: %s", m.Type, resp.Error)
	}
	return nil
}
