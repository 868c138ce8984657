package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quillui/bridge/pkg/auth"
	"github.com/quillui/bridge/pkg/log"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the read loop
	// gives up on it.
	pongWait = 90 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 45 * time.Second
	// maxFrameBytes caps inbound frames. Gorilla terminates the connection
	// when a peer exceeds it.
	maxFrameBytes = 1 << 20
	// dispatchQueueDepth bounds commands queued behind an in-flight
	// dispatch on one connection.
	dispatchQueueDepth = 16
)

// ErrMailboxFull reports a send dropped because the peer's mailbox is full.
var ErrMailboxFull = errors.New("connection mailbox full")

// Conn is one live client peer. The bridge server owns it exclusively; its
// lifetime is the socket's.
type Conn struct {
	id        string
	remote    string
	authInfo  auth.Info
	createdAt time.Time

	ws     *websocket.Conn
	server *Server

	// mailbox is the bounded outbound queue; writeLoop is its only reader.
	mailbox chan []byte

	// dispatchCh feeds the per-connection dispatch worker, which runs
	// commands serially and off the read loop.
	dispatchCh chan Envelope

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeCode   atomic.Int32
	closeReason atomic.Value // string

	// dropStreak counts consecutive mailbox drops; two in a row closes the
	// connection.
	dropStreak atomic.Int32

	logger *log.Logger
}

func newConn(s *Server, ws *websocket.Conn, info auth.Info) *Conn {
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Conn{
		id:         uuid.NewString(),
		remote:     ws.RemoteAddr().String(),
		authInfo:   info,
		createdAt:  time.Now(),
		ws:         ws,
		server:     s,
		mailbox:    make(chan []byte, s.mailboxCapacity),
		dispatchCh: make(chan Envelope, dispatchQueueDepth),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.ForComponent("bridge"),
	}
	c.closeCode.Store(CloseGoingAway)
	c.closeReason.Store("server shutting down")
	return c
}

// ID returns the opaque connection id, unique for the server instance
// lifetime.
func (c *Conn) ID() string { return c.id }

// Auth returns the identity derived at handshake.
func (c *Conn) Auth() auth.Info { return c.authInfo }

// send marshals v and enqueues it on the mailbox.
func (c *Conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// sendRaw enqueues a pre-marshaled frame. A full mailbox drops the frame;
// two consecutive drops mark the peer as stuck and close it so a single
// slow consumer cannot stall the broadcaster or a dispatch worker.
func (c *Conn) sendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return errors.New("connection closed")
	default:
	}

	select {
	case c.mailbox <- data:
		c.dropStreak.Store(0)
		return nil
	default:
		streak := c.dropStreak.Add(1)
		c.logger.Warnf("conn %s mailbox full, dropping frame (streak %d)", c.id, streak)
		if streak >= 2 {
			c.close(CloseInternalError, "slow consumer")
		}
		return ErrMailboxFull
	}
}

// writeLoop drains the mailbox into the socket and keeps the peer alive
// with pings. It is the only goroutine that writes to the socket. On exit
// it emits the close frame and closes the socket, which also unblocks the
// read loop.
func (c *Conn) writeLoop() {
	defer c.server.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.mailbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugf("conn %s write error: %v", c.id, err)
				c.close(CloseInternalError, "write failure")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(CloseInternalError, "ping failure")
				return
			}
		case <-c.ctx.Done():
			code := int(c.closeCode.Load())
			reason, _ := c.closeReason.Load().(string)
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// readLoop pulls frames off the socket and hands them to the message
// handler. Runs in the connection's HTTP handler goroutine.
func (c *Conn) readLoop() {
	defer c.close(CloseGoingAway, "read loop exit")

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("conn %s read error: %v", c.id, err)
			}
			return
		}
		c.server.handleFrame(c, data)
	}
}

// dispatchLoop runs queued dispatch commands serially for this connection.
// Serial execution keeps reply order equal to request order; the read loop
// stays free to deliver input replies for the in-flight command.
func (c *Conn) dispatchLoop() {
	defer c.server.wg.Done()

	for {
		select {
		case env := <-c.dispatchCh:
			c.server.runDispatch(c, env)
		case <-c.ctx.Done():
			return
		}
	}
}

// close tears the connection down exactly once: records the close frame to
// send, cancels the connection context (waking the write and dispatch
// loops and any pending prompt wait), and removes the peer from the
// clients set before the shutdown barrier can return.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.closeReason.Store(reason)
		c.cancel()
		c.server.removeClient(c)
		c.server.prompts.CancelConn(c.id)
		c.logger.Debugf("conn %s closed (%d %s)", c.id, code, reason)
	})
}

// connHandle is the narrow capability handed to the dispatcher: it can
// identify the connection and prompt its user, nothing else.
type connHandle struct {
	c *Conn
}

func (h connHandle) ID() string { return h.c.id }

// Prompt sends an input_request frame to the peer and waits for the
// correlated input_response. The optional descriptor key "timeout_seconds"
// bounds the wait; the default is none.
func (h connHandle) Prompt(ctx context.Context, descriptor map[string]any) (any, error) {
	timeout := time.Duration(0)
	if secs, ok := descriptor["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	req, err := h.c.server.prompts.Begin(h.c.id, descriptor, timeout)
	if err != nil {
		return nil, err
	}

	if err := h.c.send(serverEvent(EventInputRequest, req.ID, descriptor)); err != nil {
		h.c.server.prompts.CancelConn(h.c.id)
		return nil, err
	}

	return req.Wait(ctx)
}
