package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/achilleshq/sentinel/internal/logging"
)

// envelope frames one message or response on the wire. ID correlates a
// response with its request; notifications carry no ID and get no reply.
type envelope struct {
	ID       string    `json:"id,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// WSServer exposes a router over a websocket endpoint, for out-of-process
// page views.
type WSServer struct {
	router   *Router
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewWSServer constructs a websocket front for the router.
func NewWSServer(router *Router, logger logging.Logger) *WSServer {
	if logger == nil {
		logger = logging.NewStdoutLogger("bridge-ws")
	}
	return &WSServer{
		router: router,
		logger: logger.With(logging.Field{Key: "component", Value: "bridge-ws"}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: tighten for production
				return true
			},
		},
	}
}

// Handler upgrades the connection and serves envelopes until the peer hangs
// up.
func (s *WSServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Message == nil {
				continue
			}
			resp, err := s.router.Dispatch(r.Context(), *env.Message)
			if err != nil {
				resp = &Response{OK: false, Error: err.Error()}
			}
			if env.ID == "" {
				continue
			}
			writeMu.Lock()
			err = conn.WriteJSON(envelope{ID: env.ID, Response: resp})
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// WSClient is a Bridge over a websocket connection to a WSServer.
type WSClient struct {
	logger logging.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
}

// DialWS connects to a bridge websocket endpoint and starts the read pump.
func DialWS(ctx context.Context, url string, logger logging.Logger) (*WSClient, error) {
	if logger == nil {
		logger = logging.NewStdoutLogger("bridge-ws")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dialing %s: %w", url, err)
	}
	c := &WSClient{
		logger:  logger.With(logging.Field{Key: "component", Value: "bridge-ws-client"}),
		conn:    conn,
		pending: make(map[string]chan *Response),
	}
	go c.readPump()
	return c, nil
}

func (c *WSClient) readPump() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.failAll(err)
			return
		}
		if env.ID == "" || env.Response == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env.Response
		}
	}
}

func (c *WSClient) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.logger.Debug("read pump stopped", logging.Field{Key: "error", Value: err.Error()})
}

// Request implements Bridge with a correlation ID per call.
func (c *WSClient) Request(ctx context.Context, m Message) (*Response, error) {
	id := uuid.NewString()
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(envelope{ID: id, Message: &m}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("bridge: connection closed")
		}
		return resp, nil
	}
}

// Notify implements Bridge with an uncorrelated envelope.
func (c *WSClient) Notify(m Message) error {
	return c.write(envelope{Message: &m})
}

func (c *WSClient) write(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("bridge: writing envelope: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (c *WSClient) Close() error {
	return c.conn.Close()
}
