package httpstatic

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/quillui/bridge/pkg/bridge"
	"github.com/quillui/bridge/pkg/config"
	"github.com/quillui/bridge/pkg/log"
)

// Server is the optional static asset sidecar. It serves UI bundle files
// from a single root directory next to the bridge's WebSocket port.
//
// Responses carry Cache-Control: no-store: during development the bundle
// changes constantly and a stale asset is worse than a re-download on a
// local network.
type Server struct {
	host string
	port int
	root string
	cors string

	ln      net.Listener
	httpSrv *http.Server
	logger  *log.Logger
}

// New builds a static server from resolved configuration.
func New(cfg config.HTTPConfig) (*Server, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving http root: %w", err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("http root %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("http root %s is not a directory", root)
	}

	return &Server{
		host:   cfg.Host,
		port:   cfg.Port,
		root:   root,
		cors:   cfg.CORS,
		logger: log.ForComponent("http"),
	}, nil
}

// Handler returns the full middleware stack. Exposed for tests.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.serveFile)
	h = gzhttp.GzipHandler(h)
	if s.cors != "off" {
		h = corsMiddleware(h)
	}
	return h
}

// Start binds the listener and serves until Stop. An occupied port is fatal.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if bridge.IsAddrInUse(err) {
			return fmt.Errorf("http port %d is already in use: %w", s.port, err)
		}
		return fmt.Errorf("binding http listener on %s: %w", addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("http server stopped: %v", err)
		}
	}()

	s.logger.Infof("serving %s on http://%s", s.root, ln.Addr())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down, draining in-flight requests until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// serveFile maps the URL path onto the root directory. Anything that
// escapes the root, names a directory, or does not exist is refused; there
// is no directory listing and no index fallback.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reqPath := r.URL.Path
	if reqPath == "/" {
		reqPath = "/index.html"
	}

	full := filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+reqPath)))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if fi.IsDir() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
