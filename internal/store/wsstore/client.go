// Package wsstore implements store.Store over the store server's /v1/sync
// WebSocket.
//
// One connection carries everything: requests are correlated by client
// generated ids, change notifications arrive tagged with their subscription
// id and are delivered in order through a per-subscription queue. When the
// connection is lost every operation fails with store.ErrUnavailable and
// all subscriptions go quiet; reconnecting is the caller's decision, since
// a new connection means a fresh negotiation anyway.
package wsstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/store"
	"github.com/natarajanspnk/studio-signaling/internal/store/eventq"
	"github.com/natarajanspnk/studio-signaling/internal/syncproto"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	unsubscribeTimeout      = 5 * time.Second
)

// Options configures Dial.
type Options struct {
	// APIKey is sent as the apiKey query parameter when non-empty.
	APIKey string

	// HandshakeTimeout bounds the WebSocket handshake. Zero picks a
	// default.
	HandshakeTimeout time.Duration

	Logger zerolog.Logger
}

// Client is a remote store.Store. Safe for concurrent use.
type Client struct {
	ws  *websocket.Conn
	log zerolog.Logger

	// writeMu serializes socket writes; gorilla allows one writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending map[string]chan syncproto.ServerMessage
	docSubs map[string]*eventq.Queue[store.Snapshot]
	colSubs map[string]*eventq.Queue[store.Record]

	downOnce sync.Once
	// readDone closes once the read loop has exited and the client is
	// unusable.
	readDone chan struct{}
}

// Dial connects to a store server. rawURL addresses the sync endpoint,
// e.g. "ws://localhost:8442/v1/sync"; http(s) schemes are rewritten.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sync url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("sync url: unsupported scheme %q", u.Scheme)
	}
	if opts.APIKey != "" {
		q := u.Query()
		q.Set("apiKey", opts.APIKey)
		u.RawQuery = q.Encode()
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial sync (%s): %w", resp.Status, store.ErrUnavailable)
		}
		return nil, fmt.Errorf("dial sync: %v: %w", err, store.ErrUnavailable)
	}

	c := &Client{
		ws:       ws,
		log:      opts.Logger,
		pending:  make(map[string]chan syncproto.ServerMessage),
		docSubs:  make(map[string]*eventq.Queue[store.Snapshot]),
		colSubs:  make(map[string]*eventq.Queue[store.Record]),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. Pending operations fail with
// store.ErrUnavailable and subscriptions stop delivering. Idempotent.
func (c *Client) Close() {
	c.writeMu.Lock()
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	c.writeMu.Unlock()
	_ = c.ws.Close()
	<-c.readDone
}

func (c *Client) GetDocument(ctx context.Context, path string) (store.Snapshot, error) {
	msg, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpGet, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	if msg.Doc == nil {
		return store.Snapshot{}, fmt.Errorf("get result without document: %w", store.ErrUnavailable)
	}
	return store.Snapshot{Exists: msg.Doc.Exists, Fields: msg.Doc.Fields}, nil
}

func (c *Client) MergeWrite(ctx context.Context, path string, fields map[string]string) error {
	_, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpMerge, Path: path, Fields: fields})
	return err
}

func (c *Client) CreateIfAbsent(ctx context.Context, path string, fields map[string]string) error {
	_, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpCreate, Path: path, Fields: fields})
	return err
}

func (c *Client) AppendToCollection(ctx context.Context, path string, fields map[string]string) (string, error) {
	msg, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpAppend, Path: path, Fields: fields})
	if err != nil {
		return "", err
	}
	return msg.RecordID, nil
}

func (c *Client) SubscribeDocument(ctx context.Context, path string, fn store.DocumentFunc) (store.CancelFunc, error) {
	subID := uuid.NewString()
	q := eventq.New(fn)

	// Register before asking: the initial snapshot can arrive ahead of the
	// subscribe result.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		q.Stop()
		return nil, fmt.Errorf("subscribe document: %w", store.ErrUnavailable)
	}
	c.docSubs[subID] = q
	c.mu.Unlock()

	_, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpSubscribeDoc, Path: path, SubID: subID})
	if err != nil {
		c.dropDocSub(subID)
		q.Stop()
		return nil, err
	}
	return c.cancelFunc(subID, q.Stop, c.dropDocSub), nil
}

func (c *Client) SubscribeCollection(ctx context.Context, path string, fn store.RecordFunc) (store.CancelFunc, error) {
	subID := uuid.NewString()
	q := eventq.New(fn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		q.Stop()
		return nil, fmt.Errorf("subscribe collection: %w", store.ErrUnavailable)
	}
	c.colSubs[subID] = q
	c.mu.Unlock()

	_, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpSubscribeCol, Path: path, SubID: subID})
	if err != nil {
		c.dropColSub(subID)
		q.Stop()
		return nil, err
	}
	return c.cancelFunc(subID, q.Stop, c.dropColSub), nil
}

func (c *Client) dropDocSub(subID string) {
	c.mu.Lock()
	delete(c.docSubs, subID)
	c.mu.Unlock()
}

func (c *Client) dropColSub(subID string) {
	c.mu.Lock()
	delete(c.colSubs, subID)
	c.mu.Unlock()
}

// cancelFunc builds the synchronous, idempotent CancelFunc for one
// subscription. The server-side unsubscribe is best effort; locally the
// queue stops regardless.
func (c *Client) cancelFunc(subID string, stop func(), drop func(string)) store.CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			drop(subID)

			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
				defer cancel()
				if _, err := c.roundTrip(ctx, syncproto.Request{Op: syncproto.OpUnsubscribe, SubID: subID}); err != nil {
					c.log.Debug().Err(err).Str("subId", subID).Msg("unsubscribe failed")
				}
			}
			stop()
		})
	}
}

// roundTrip sends one request and waits for its result. The returned error
// already carries the store sentinel for the result code.
func (c *Client) roundTrip(ctx context.Context, req syncproto.Request) (syncproto.ServerMessage, error) {
	if err := ctx.Err(); err != nil {
		return syncproto.ServerMessage{}, err
	}
	req.ID = uuid.NewString()

	ch := make(chan syncproto.ServerMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return syncproto.ServerMessage{}, fmt.Errorf("%s: %w", req.Op, store.ErrUnavailable)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.dropPending(req.ID)
		return syncproto.ServerMessage{}, fmt.Errorf("%s: %v: %w", req.Op, err, store.ErrUnavailable)
	}

	select {
	case msg := <-ch:
		if err := resultErr(msg); err != nil {
			return syncproto.ServerMessage{}, fmt.Errorf("%s %s: %w", req.Op, req.Path, err)
		}
		return msg, nil
	case <-ctx.Done():
		c.dropPending(req.ID)
		return syncproto.ServerMessage{}, ctx.Err()
	case <-c.readDone:
		return syncproto.ServerMessage{}, fmt.Errorf("%s: connection lost: %w", req.Op, store.ErrUnavailable)
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func resultErr(msg syncproto.ServerMessage) error {
	switch msg.Code {
	case "":
		return nil
	case syncproto.CodeNotFound:
		return store.ErrNotFound
	case syncproto.CodeAlreadyExists:
		return store.ErrAlreadyExists
	case syncproto.CodeBadRequest:
		return fmt.Errorf("rejected: %s", msg.Message)
	default:
		// unavailable, rate_limited, and anything a newer server invents.
		return fmt.Errorf("%s: %w", msg.Message, store.ErrUnavailable)
	}
}

func (c *Client) readLoop() {
	var cause error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		msg, err := syncproto.ParseServerMessage(data)
		if err != nil {
			// A server speaking a different protocol is as good as gone.
			cause = fmt.Errorf("malformed server message: %w", err)
			break
		}

		switch msg.Type {
		case syncproto.MessageResult:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case syncproto.MessageDocEvent:
			c.mu.Lock()
			q := c.docSubs[msg.SubID]
			c.mu.Unlock()
			if q != nil {
				q.Push(store.Snapshot{Exists: msg.Doc.Exists, Fields: msg.Doc.Fields})
			}
		case syncproto.MessageColEvent:
			c.mu.Lock()
			q := c.colSubs[msg.SubID]
			c.mu.Unlock()
			if q != nil {
				q.Push(store.Record{ID: msg.Record.ID, Fields: msg.Record.Fields})
			}
		}
	}
	c.shutdown(cause)
}

// shutdown marks the client unusable, wakes waiting round trips, and stops
// every subscription queue.
func (c *Client) shutdown(cause error) {
	c.downOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		docSubs := c.docSubs
		colSubs := c.colSubs
		c.docSubs = make(map[string]*eventq.Queue[store.Snapshot])
		c.colSubs = make(map[string]*eventq.Queue[store.Record])
		c.pending = make(map[string]chan syncproto.ServerMessage)
		c.mu.Unlock()

		close(c.readDone)
		_ = c.ws.Close()

		for _, q := range docSubs {
			q.Stop()
		}
		for _, q := range colSubs {
			q.Stop()
		}

		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) &&
			!strings.Contains(cause.Error(), "use of closed network connection") {
			c.log.Debug().Err(cause).Msg("sync connection closed")
		}
	})
}
