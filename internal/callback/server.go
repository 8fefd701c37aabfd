// Package callback implements the callback HTTP server (component C6): it
// binds a port in a configurable range, receives device NOTIFY requests,
// and routes them by path to the owning subscription.
package callback

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/sonosevents/internal/metrics"
	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/streamerr"
)

// RawEvent is one undecoded NOTIFY delivery, handed off to the subscription
// manager's dispatcher.
type RawEvent struct {
	SubscriptionID model.SubscriptionId
	Body           []byte
}

// Config controls port acquisition and the advertised callback host.
type Config struct {
	PortRangeStart int
	PortRangeEnd   int
	// HostOverride, when set, is used verbatim as the advertised host
	// instead of the result of the local-IP probe (§9 design notes).
	HostOverride string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the embedded HTTP server devices deliver NOTIFY requests to.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	routes *routeTable
	events chan<- RawEvent

	httpSrv  *http.Server
	listener net.Listener
	port     int
	host     string
}

func New(cfg Config, events chan<- RawEvent, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "callback_server").Logger(),
		routes: newRouteTable(),
		events: events,
	}
}

// Start binds the first free port in the configured range and begins
// serving in the background. It returns the callback base URL
// (http://host:port) that subscriptions should advertise.
func (s *Server) Start(ctx context.Context) (string, error) {
	host := s.cfg.HostOverride
	if host == "" {
		host = localIPv4()
	}
	if host == "" {
		return "", streamerr.New(streamerr.KindCallbackServerError, "could not determine a non-loopback advertised host")
	}

	listener, port, err := bindFirstFreePort(s.cfg.PortRangeStart, s.cfg.PortRangeEnd)
	if err != nil {
		return "", streamerr.Wrap(streamerr.KindCallbackServerError, "no free port in configured range", err)
	}
	s.listener = listener
	s.port = port
	s.host = host

	mux := chi.NewRouter()
	mux.Use(hlog.NewHandler(s.log))
	mux.Use(metrics.InstrumentHandler)
	mux.HandleFunc("/*", s.handleNotify)
	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("callback server stopped unexpectedly")
		}
	}()

	s.log.Info().Str("host", host).Int("port", port).Msg("callback server listening")
	return fmt.Sprintf("http://%s:%d", host, port), nil
}

func bindFirstFreePort(start, end int) (net.Listener, int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

// RegisterPath maps a callback path to a subscription. Idempotent.
func (s *Server) RegisterPath(path string, id model.SubscriptionId) {
	s.routes.register(path, id)
}

// UnregisterPath removes a callback path's entry. Idempotent.
func (s *Server) UnregisterPath(path string) {
	s.routes.unregister(path)
}

// RouteCount returns the number of registered callback paths.
func (s *Server) RouteCount() int {
	return s.routes.size()
}

// Port returns the bound port, valid after Start succeeds.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)

	if r.Method != "NOTIFY" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("NT") != "upnp:event" || r.Header.Get("NTS") != "upnp:propchange" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	id, ok := s.routes.lookup(r.URL.Path)
	if !ok {
		logger.Warn().Str("path", r.URL.Path).Msg("NOTIFY for unknown callback path")
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !utf8.Valid(body) {
		logger.Warn().Str("path", r.URL.Path).Msg("NOTIFY body is not valid UTF-8")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	select {
	case s.events <- RawEvent{SubscriptionID: id, Body: body}:
		w.WriteHeader(http.StatusOK)
	default:
		logger.Error().Str("path", r.URL.Path).Msg("raw event channel full, dropping NOTIFY")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HealthCheck verifies the listener is alive by dialing the bound port
// locally (component C6's health probe).
func (s *Server) HealthCheck(timeout time.Duration) bool {
	if s.listener == nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Shutdown stops accepting new connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
