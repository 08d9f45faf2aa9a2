// Package webui serves the local caption board: a small embedded web page
// that shows live partials and committed lines over a websocket.
//
// The server binds a fixed address and fails fast when the port is taken, so
// two instances never silently shadow each other. Static assets are embedded
// in the binary; no files are read from disk at runtime.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parolfluo/parolfluo/internal/health"
	"github.com/parolfluo/parolfluo/internal/observe"
	"github.com/parolfluo/parolfluo/pkg/types"
)

//go:embed static
var staticFS embed.FS

// readHeaderTimeout bounds how long a client may dawdle over request headers.
const readHeaderTimeout = 10 * time.Second

// Config holds the board server settings.
type Config struct {
	// Addr is the TCP address the server binds, e.g. "127.0.0.1:8765".
	Addr string

	// URL is the address printed in logs and opened in the browser.
	URL string

	// Targets lists the translation language codes the board offers
	// visibility toggles for, in display order.
	Targets []string

	// DefaultVisibility maps a language code to whether its column starts
	// visible. Languages absent from the map start visible.
	DefaultVisibility map[string]bool

	// OpenBrowser launches the local browser at URL once the server is up.
	OpenBrowser bool

	// Metrics receives client and drop counts. Defaults to
	// [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Health optionally registers /healthz and /readyz on the board mux.
	Health *health.Handler
}

// configPayload is the JSON body served at /config.
type configPayload struct {
	Targets           []string        `json:"targets"`
	DefaultVisibility map[string]bool `json:"defaultVisibility"`
}

// Server runs the caption board HTTP and websocket endpoints.
type Server struct {
	cfg     Config
	hub     *hub
	metrics *observe.Metrics
	srv     *http.Server
	ln      net.Listener
}

// New builds a board server from cfg. Call [Server.Start] to bind and serve.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg:     cfg,
		hub:     newHub(cfg.Metrics),
		metrics: cfg.Metrics,
	}

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		// The directory is embedded at build time; this cannot fail at
		// runtime with a well-formed binary.
		panic(fmt.Sprintf("webui: embedded assets: %v", err))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /", http.FileServerFS(static))
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.srv = &http.Server{
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Start binds the configured address and begins serving. A taken port is
// reported immediately rather than being worked around, so the board URL
// stays predictable.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webui: cannot bind %s (is another instance running? free the port or change web_ui.port): %w", s.cfg.Addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("webui: server stopped", "error", err)
		}
	}()

	slog.Info("webui: caption board running", "url", s.cfg.URL)
	if s.cfg.OpenBrowser {
		openBrowser(s.cfg.URL)
	}
	return nil
}

// Addr reports the bound address. Only valid after a successful Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown disconnects all board clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.srv.Shutdown(ctx)
}

// BroadcastPartial publishes an in-progress hypothesis to connected clients.
// It never blocks; stalled clients lose their oldest queued messages.
func (s *Server) BroadcastPartial(ev types.TranscriptEvent) {
	s.hub.broadcastPartial(ev)
}

// BroadcastFinal publishes a committed line with its translations.
func (s *Server) BroadcastFinal(ev types.EnrichedFinal) {
	s.hub.broadcastFinal(ev)
}

// ClientCount reports how many board clients are currently connected.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	payload := configPayload{
		Targets:           s.cfg.Targets,
		DefaultVisibility: s.cfg.DefaultVisibility,
	}
	if payload.Targets == nil {
		payload.Targets = []string{}
	}
	if payload.DefaultVisibility == nil {
		payload.DefaultVisibility = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("webui: websocket accept failed", "error", err)
		return
	}

	c := &client{conn: conn, queue: make(chan []byte, clientQueueSize)}
	if !s.hub.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	s.metrics.WebsocketClients.Add(context.Background(), 1)
	slog.Info("webui: client connected", "remote", r.RemoteAddr, "clients", s.hub.count())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The board never sends anything meaningful; drain inbound frames so
	// pings are answered and a closed peer is noticed promptly.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	err = c.writeLoop(ctx)

	s.hub.remove(c)
	s.metrics.WebsocketClients.Add(context.Background(), -1)
	slog.Info("webui: client disconnected",
		"remote", r.RemoteAddr,
		"clients", s.hub.count(),
		"dropped", c.drops.Load(),
		"reason", err)
	conn.CloseNow()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("webui: write response", "error", err)
	}
}

// openBrowser launches the platform browser at url. Failures are logged and
// otherwise ignored; the board works fine opened by hand.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		slog.Debug("webui: could not open browser", "url", url, "error", err)
		return
	}
	go cmd.Wait()
}
