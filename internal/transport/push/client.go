// Package push is the websocket channel for server-pushed chat events.
package push

//go:generate mockgen -source=client.go -destination=mock_wsconn_test.go -package=push -mock_names=wsConn=MockWSConn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/coder/websocket"
)

// readLimit bounds a single inbound frame.
const readLimit = 1 << 20

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handler receives decoded events. It runs on the reader goroutine and
// must not block.
type Handler func(Event)

// Unsubscribe detaches a handler.
type Unsubscribe func()

// ErrNotConnected is returned by writes while no connection is live.
var ErrNotConnected = errors.New("push channel not connected")

// Config holds the parameters needed to reach the push server.
type Config struct {
	URL   string
	Token string
}

// Client owns one websocket connection at a time. A reader goroutine
// decodes frames and fans them out to subscribers. Reconnection is
// driven from outside through Connect.
type Client struct {
	url    string
	token  string
	logger *slog.Logger
	dial   func(ctx context.Context) (wsConn, error)

	mu         sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc
	connected  bool
	readerDone chan struct{}

	subsMu sync.Mutex
	subs   map[EventKind]map[int]Handler
	nextID int
}

// NewClient creates a Client. Nothing is dialed until Connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	c := &Client{
		url:    cfg.URL,
		token:  cfg.Token,
		logger: logging.Component(logger, "push"),
		subs:   make(map[EventKind]map[int]Handler),
	}
	c.dial = c.dialWebsocket

	return c
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.token},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Connect dials a fresh connection, replacing any previous one, and
// starts the reader goroutine.
func (c *Client) Connect(ctx context.Context) error {
	c.teardown(websocket.StatusGoingAway, "reconnecting")

	c.logger.Debug("connecting", slog.String("url", c.url))

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	// The reader outlives the dial context, so it gets its own.
	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connCancel = cancel
	c.connected = true
	c.readerDone = done
	c.mu.Unlock()

	c.logger.Info("push channel connected")
	c.dispatch(Connected{})

	go c.readLoop(connCtx, conn, done)

	return nil
}

// readLoop reads frames until the connection fails or connCtx is
// cancelled. A failure that was not caused by teardown is reported as
// a Disconnected event.
func (c *Client) readLoop(connCtx context.Context, conn wsConn, done chan struct{}) {
	defer close(done)

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			if connCtx.Err() != nil {
				return
			}

			c.markDisconnected(conn)
			c.logger.Warn("push channel lost", slog.String("error", err.Error()))
			c.dispatch(Disconnected{Err: err})

			return
		}

		if typ != websocket.MessageText {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		ev, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping push frame",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(data)),
			)

			continue
		}

		c.dispatch(ev)
	}
}

func (c *Client) markDisconnected(conn wsConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.connected = false
	}
}

// teardown stops the reader and closes the current connection, if any.
func (c *Client) teardown(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.connCancel, c.readerDone
	c.conn, c.connCancel, c.readerDone = nil, nil, nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close(code, reason)
	}

	if done != nil {
		<-done
	}

	return err
}

// Close shuts the connection down. Subscriptions stay registered so a
// later Connect resumes delivery.
func (c *Client) Close() error {
	return c.teardown(websocket.StatusNormalClosure, "bye")
}

// Connected reports whether the WebSocket connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Subscribe registers h for events of kind.
func (c *Client) Subscribe(kind EventKind, h Handler) Unsubscribe {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextID++
	id := c.nextID

	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]Handler)
	}

	c.subs[kind][id] = h

	var once sync.Once

	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()

			delete(c.subs[kind], id)
		})
	}
}

func (c *Client) dispatch(ev Event) {
	c.subsMu.Lock()
	handlers := make([]Handler, 0, len(c.subs[ev.Kind()]))

	for _, h := range c.subs[ev.Kind()] {
		handlers = append(handlers, h)
	}
	c.subsMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SendMessage writes a message:send frame. A nil error means the frame
// was written, not that the server accepted it; acceptance arrives as a
// message:sent event.
func (c *Client) SendMessage(ctx context.Context, req models.SendRequest) error {
	return c.write(ctx, EventMessageSend, req)
}

// Ping writes a heartbeat frame. The server answers with pong.
func (c *Client) Ping(ctx context.Context) error {
	return c.write(ctx, EventPing, nil)
}

func (c *Client) write(ctx context.Context, kind EventKind, data any) error {
	c.mu.Lock()
	conn, live := c.conn, c.connected
	c.mu.Unlock()

	if conn == nil || !live {
		return ErrNotConnected
	}

	frame, err := encodeFrame(kind, data)
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("writing %s: %w", kind, err)
	}

	return nil
}
