package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/muxgate/muxgate/internal/broker"
)

// Server exposes the HTTP surface: a small JSON config endpoint, the two
// WebSocket upgrade paths, and the built frontend with SPA fallback.
type Server struct {
	broker  *broker.Broker
	logger  *slog.Logger
	httpSrv *http.Server
	devMode bool
	cfg     Config
}

// Config mirrors RuntimeConfig for the parts the HTTP layer needs to
// answer GET /api/config with, plus transport wiring.
type Config struct {
	Addr             string
	DevMode          bool
	Logger           *slog.Logger
	StaticFS         fs.FS
	Broker           *broker.Broker
	PasswordRequired bool
	ScrollbackLines  int
	PollIntervalMs   int
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		broker:  cfg.Broker,
		logger:  logger,
		devMode: cfg.DevMode,
		cfg:     cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /ws/control", s.handleControlSocket)
	mux.HandleFunc("GET /ws/terminal", s.handleDataSocket)
	// /ws/* is reserved for the two upgrade paths above; everything else
	// under it is 404, never the SPA fallback.
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	if cfg.DevMode {
		viteURL, _ := url.Parse("http://localhost:5173")
		proxy := httputil.NewSingleHostReverseProxy(viteURL)
		mux.Handle("/", proxy)
	} else if cfg.StaticFS != nil {
		mux.HandleFunc("/", s.handleStatic)
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "frontend not built", http.StatusInternalServerError)
		})
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "index.html"
	} else {
		path = strings.TrimPrefix(path, "/")
	}

	fileServer := http.FileServer(http.FS(s.cfg.StaticFS))
	if _, err := fs.Stat(s.cfg.StaticFS, path); err == nil {
		if strings.HasPrefix(r.URL.Path, "/assets/") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		fileServer.ServeHTTP(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/assets/") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	r.URL.Path = "/"
	fileServer.ServeHTTP(w, r)
}

// handleConfig answers with the non-secret shape of RuntimeConfig a client
// needs before authenticating: it never discloses the token or password.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"passwordRequired": s.cfg.PasswordRequired,
		"scrollbackLines":  s.cfg.ScrollbackLines,
		"pollIntervalMs":   s.cfg.PollIntervalMs,
	})
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) handleControlSocket(w http.ResponseWriter, r *http.Request) {
	if !isUpgradeRequest(r) {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "*.trycloudflare.com", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("control socket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024)

	s.broker.HandleControl(r.Context(), &wsSocket{conn: conn})
}

func (s *Server) handleDataSocket(w http.ResponseWriter, r *http.Request) {
	if !isUpgradeRequest(r) {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "*.trycloudflare.com", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("data socket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	s.broker.HandleData(r.Context(), &wsSocket{conn: conn})
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) { s.httpSrv.TLSConfig = tlsCfg }

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	if err := s.broker.Stop(ctx); err != nil {
		s.logger.Error("broker stop error", "err", err)
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
