package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quillui/bridge/pkg/auth"
	"github.com/quillui/bridge/pkg/cache"
	"github.com/quillui/bridge/pkg/config"
	"github.com/quillui/bridge/pkg/dispatch"
	"github.com/quillui/bridge/pkg/log"
	"github.com/quillui/bridge/pkg/prompt"
)

// Server is the realtime bridge: it accepts WebSocket clients on /ws, routes
// their frames through the dispatch adapter, and pushes server-initiated
// events (heartbeats, prompts, data_updated) back out.
type Server struct {
	host string
	port int

	gate    *auth.Gate
	cache   *cache.Cache
	adapter *dispatch.Adapter
	prompts *prompt.Router

	schemas  SchemaProvider
	sessions SessionProvider

	upgrader websocket.Upgrader
	handlers map[string]frameHandler

	allowClientBroadcast atomic.Bool
	broadcastOnMutation  bool
	mailboxCapacity      int
	heartbeatInterval    time.Duration
	shutdownDeadline     time.Duration

	mu      sync.RWMutex
	clients map[string]*Conn

	ln      net.Listener
	httpSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	logger       *log.Logger
}

// Options wires the server's collaborators. Dispatcher is required; the
// providers are optional and degrade to empty info-frame sections.
type Options struct {
	Config     *config.Config
	Validator  auth.TokenValidator
	Dispatcher dispatch.Dispatcher
	Schemas    SchemaProvider
	Sessions   SessionProvider
}

// New builds a bridge server from resolved configuration. It does not bind
// any socket until Start.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("bridge: dispatcher is required")
	}

	bc := opts.Config.Bridge
	gate := auth.NewGate(bc.AllowedOrigins, bc.RequireAuth, opts.Validator)
	c := cache.New(bc.DefaultQueryTTL())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		host:                bc.Host,
		port:                bc.Port,
		gate:                gate,
		cache:               c,
		adapter:             dispatch.NewAdapter(opts.Dispatcher, c, bc.CommandTTL),
		prompts:             prompt.NewRouter(),
		schemas:             opts.Schemas,
		sessions:            opts.Sessions,
		broadcastOnMutation: true,
		mailboxCapacity:     bc.MailboxCapacity,
		heartbeatInterval:   bc.Heartbeat(),
		shutdownDeadline:    bc.ShutdownDeadline(),
		clients:             make(map[string]*Conn),
		ctx:                 ctx,
		cancel:              cancel,
		logger:              log.ForComponent("bridge"),
	}
	s.allowClientBroadcast.Store(bc.AllowClientBroadcast)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     gate.CheckOrigin,
	}
	s.handlers = s.eventTable()
	return s, nil
}

// Cache exposes the shared cache for introspection and hot-reload hooks.
func (s *Server) Cache() *cache.Cache { return s.cache }

// SetAllowClientBroadcast flips the client broadcast feature flag at runtime.
func (s *Server) SetAllowClientBroadcast(allowed bool) {
	s.allowClientBroadcast.Store(allowed)
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler returns the HTTP handler serving the bridge endpoints. Exposed so
// tests can mount it on an ephemeral server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start binds the listen socket and begins serving. It returns once the
// listener is accepting; serving continues until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if IsAddrInUse(err) {
			return fmt.Errorf("bridge port %d is already in use (is another instance running?): %w", s.port, err)
		}
		return fmt.Errorf("binding bridge listener on %s: %w", addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("bridge server stopped: %v", err)
		}
	}()

	if s.heartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	s.cache.StartSweeper(s.ctx)

	s.logger.Infof("bridge listening on ws://%s/ws", ln.Addr())
	return nil
}

// handleWS upgrades one client connection. Origin rejection happens inside
// the upgrader as an HTTP 403; a token failure upgrades first and then closes
// with a policy violation so the client sees a structured close code.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	info, authErr := s.gate.Authenticate(r.Context(), r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("upgrade rejected for %s: %v", r.RemoteAddr, err)
		return
	}

	if authErr != nil {
		s.logger.Warnf("rejecting %s: %v", r.RemoteAddr, authErr)
		msg := websocket.FormatCloseMessage(ClosePolicyViolation, authErr.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	c := newConn(s, ws, info)
	s.addClient(c)

	s.wg.Add(2)
	go c.writeLoop()
	go c.dispatchLoop()

	_ = c.send(serverEvent(EventInfo, "", s.serverInfo(c)))
	s.logger.Infof("client %s connected from %s as %s/%s", c.id, c.remote, info.Identity, info.Role)

	c.readLoop()
}

func (s *Server) addClient(c *Conn) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) removeClient(c *Conn) {
	s.mu.Lock()
	delete(s.clients, c.id)
	remaining := len(s.clients)
	s.mu.Unlock()
	s.logger.Debugf("client %s removed, %d remaining", c.id, remaining)
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast marshals v once and fans it out to every client except exceptID
// (empty means everyone). The client snapshot is taken under the read lock;
// sends happen outside it so one full mailbox cannot block the rest.
func (s *Server) Broadcast(v any, exceptID string) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorf("broadcast marshal failed: %v", err)
		return
	}

	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.clients))
	for id, c := range s.clients {
		if id == exceptID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		_ = c.sendRaw(data)
	}
}

// heartbeatLoop emits periodic heartbeat frames so idle UIs can show
// liveness without protocol-level ping visibility.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case t := <-ticker.C:
			s.Broadcast(serverEvent(EventHeartbeat, "", map[string]any{
				"time":    t.UTC().Format(time.RFC3339),
				"clients": s.ClientCount(),
			}), "")
		case <-s.ctx.Done():
			return
		}
	}
}

// Shutdown stops the server: the listener closes, every client receives a
// going-away close frame, and pending prompts are cancelled. Waits for the
// connection goroutines up to the configured deadline, then up to ctx's.
// Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Infof("bridge shutting down")

		if s.httpSrv != nil {
			_ = s.httpSrv.Close()
		}

		s.mu.RLock()
		conns := make([]*Conn, 0, len(s.clients))
		for _, c := range s.clients {
			conns = append(conns, c)
		}
		s.mu.RUnlock()
		for _, c := range conns {
			c.close(CloseGoingAway, "server shutting down")
		}

		s.prompts.CancelAll()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		deadline := time.NewTimer(s.shutdownDeadline)
		defer deadline.Stop()
		select {
		case <-done:
		case <-deadline.C:
			err = errors.New("bridge shutdown deadline exceeded")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// IsAddrInUse reports whether err is a bind failure for an occupied port.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
