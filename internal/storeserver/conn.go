package storeserver

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/metrics"
	"github.com/natarajanspnk/studio-signaling/internal/ratelimit"
	"github.com/natarajanspnk/studio-signaling/internal/store"
	"github.com/natarajanspnk/studio-signaling/internal/syncproto"
)

const (
	// wsWriteWait bounds every socket write, control frames included.
	wsWriteWait = 10 * time.Second

	// opTimeout bounds one store operation on behalf of a request.
	opTimeout = 10 * time.Second
)

// conn is one sync connection. Requests are handled sequentially on the
// read loop; subscription events arrive on subscriber goroutines, so every
// socket write goes through send().
type conn struct {
	srv *Server
	ws  *websocket.Conn
	log zerolog.Logger

	limiter *ratelimit.TokenBucket

	// writeCh serializes socket writes. Closed by serve on exit.
	writeCh chan syncproto.ServerMessage

	// done stops subscription callbacks from queueing events once the
	// connection is going away.
	done chan struct{}

	// subs maps client-chosen subscription ids to their cancel functions.
	// Touched only by the read loop and the final teardown.
	subs map[string]store.CancelFunc
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	rate := s.cfg.MessagesPerSecond
	return &conn{
		srv:     s,
		ws:      ws,
		log:     s.log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
		limiter: ratelimit.NewTokenBucket(s.cfg.Clock, rate*2, rate),
		writeCh: make(chan syncproto.ServerMessage, 64),
		done:    make(chan struct{}),
		subs:    make(map[string]store.CancelFunc),
	}
}

func (c *conn) serve() {
	defer c.ws.Close()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.readLoop()

	// Stop event producers first: cancel is synchronous, so after this no
	// subscription callback is in flight and writeCh can be closed.
	close(c.done)
	for _, cancel := range c.subs {
		cancel()
	}
	close(c.writeCh)
	<-writerDone
}

func (c *conn) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.srv.met.Inc(metrics.EventOversizedMessage)
				c.log.Warn().Msg("oversized sync message")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !c.limiter.Allow(1) {
			c.srv.met.Inc(metrics.EventRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		req, err := syncproto.ParseRequest(data)
		if err != nil {
			// A client that sends malformed frames is broken; drop it
			// rather than guessing which request to answer.
			c.srv.met.Inc(metrics.EventBadRequest)
			c.log.Warn().Err(err).Msg("malformed sync request")
			c.closeWith(websocket.ClosePolicyViolation, "malformed request")
			return
		}
		c.dispatch(req)
	}
}

func (c *conn) dispatch(req syncproto.Request) {
	st := c.srv.cfg.Store
	met := c.srv.met

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch req.Op {
	case syncproto.OpGet:
		snap, err := st.GetDocument(ctx, req.Path)
		if err != nil {
			c.sendErr(req.ID, err)
			return
		}
		met.Inc(metrics.EventDocRead)
		c.send(syncproto.ServerMessage{
			Type: syncproto.MessageResult,
			ID:   req.ID,
			Doc:  docDTO(snap),
		})

	case syncproto.OpMerge:
		if err := st.MergeWrite(ctx, req.Path, req.Fields); err != nil {
			c.sendErr(req.ID, err)
			return
		}
		met.Inc(metrics.EventDocWrite)
		c.sendOK(req.ID)

	case syncproto.OpCreate:
		if err := st.CreateIfAbsent(ctx, req.Path, req.Fields); err != nil {
			c.sendErr(req.ID, err)
			return
		}
		met.Inc(metrics.EventDocWrite)
		c.sendOK(req.ID)

	case syncproto.OpAppend:
		recordID, err := st.AppendToCollection(ctx, req.Path, req.Fields)
		if err != nil {
			c.sendErr(req.ID, err)
			return
		}
		met.Inc(metrics.EventRecordAppend)
		c.send(syncproto.ServerMessage{
			Type:     syncproto.MessageResult,
			ID:       req.ID,
			RecordID: recordID,
		})

	case syncproto.OpSubscribeDoc:
		if _, dup := c.subs[req.SubID]; dup {
			c.sendBadRequest(req.ID, "duplicate subId")
			return
		}
		subID := req.SubID
		cancelSub, err := st.SubscribeDocument(ctx, req.Path, func(snap store.Snapshot) {
			c.sendEvent(syncproto.ServerMessage{
				Type:  syncproto.MessageDocEvent,
				SubID: subID,
				Doc:   docDTO(snap),
			})
		})
		if err != nil {
			c.sendErr(req.ID, err)
			return
		}
		c.subs[subID] = cancelSub
		met.Inc(metrics.EventSubscribe)
		c.sendOK(req.ID)

	case syncproto.OpSubscribeCol:
		if _, dup := c.subs[req.SubID]; dup {
			c.sendBadRequest(req.ID, "duplicate subId")
			return
		}
		subID := req.SubID
		cancelSub, err := st.SubscribeCollection(ctx, req.Path, func(rec store.Record) {
			c.sendEvent(syncproto.ServerMessage{
				Type:  syncproto.MessageColEvent,
				SubID: subID,
				Record: &syncproto.Record{
					ID:     rec.ID,
					Fields: rec.Fields,
				},
			})
		})
		if err != nil {
			c.sendErr(req.ID, err)
			return
		}
		c.subs[subID] = cancelSub
		met.Inc(metrics.EventSubscribe)
		c.sendOK(req.ID)

	case syncproto.OpUnsubscribe:
		// Unsubscribing an unknown id is a no-op so that teardown races
		// stay harmless.
		if cancelSub, ok := c.subs[req.SubID]; ok {
			cancelSub()
			delete(c.subs, req.SubID)
			met.Inc(metrics.EventUnsubscribe)
		}
		c.sendOK(req.ID)
	}
}

func docDTO(snap store.Snapshot) *syncproto.Document {
	return &syncproto.Document{Exists: snap.Exists, Fields: snap.Fields}
}

func (c *conn) sendOK(id string) {
	c.send(syncproto.ServerMessage{Type: syncproto.MessageResult, ID: id})
}

func (c *conn) sendBadRequest(id, msg string) {
	c.srv.met.Inc(metrics.EventBadRequest)
	c.send(syncproto.ServerMessage{
		Type:    syncproto.MessageResult,
		ID:      id,
		Code:    syncproto.CodeBadRequest,
		Message: msg,
	})
}

func (c *conn) sendErr(id string, err error) {
	var code string
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = syncproto.CodeNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		code = syncproto.CodeAlreadyExists
	default:
		code = syncproto.CodeUnavailable
	}
	c.send(syncproto.ServerMessage{
		Type:    syncproto.MessageResult,
		ID:      id,
		Code:    code,
		Message: err.Error(),
	})
}

// send queues a message from the read loop. The loop owns the connection, so
// queueing cannot race with teardown.
func (c *conn) send(msg syncproto.ServerMessage) {
	select {
	case c.writeCh <- msg:
	case <-c.done:
	}
}

// sendEvent queues a message from a subscription callback. A connection
// whose write buffer is full is closed rather than skipped over: a client
// must never keep operating on a gap in its event stream, and closing here
// cannot block the store's notification fan-out.
func (c *conn) sendEvent(msg syncproto.ServerMessage) {
	select {
	case <-c.done:
	case c.writeCh <- msg:
	default:
		c.srv.met.Inc(metrics.EventEventDropped)
		c.log.Warn().Str("subId", msg.SubID).Msg("closing connection too slow for its subscriptions")
		c.closeWith(websocket.ClosePolicyViolation, "subscriber too slow")
		_ = c.ws.Close()
	}
}

func (c *conn) writeLoop(done chan<- struct{}) {
	defer close(done)
	for msg := range c.writeCh {
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			// The read loop notices the dead socket; keep draining so
			// producers never block.
			continue
		}
	}
}

func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
}
