package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/metrics"
	"github.com/Rainerrr/Gestelit-sub005/repository"
	service_registry "github.com/Rainerrr/Gestelit-sub005/srvreg"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/multierr"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// Options configures the WebServer
type Options struct {
	Port           string
	AllowedOrigins []string
}

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	handler         http.Handler
	listener        net.Listener
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	repository      *repository.Repository
	bus             *eventbus.Bus
	metrics         *metrics.Metrics
	upgrader        websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// NewWebServer creates a new web server. blobs serves GET /blobs/<id> and may be nil.
func NewWebServer(
	opts Options,
	logger cmtlog.Logger,
	serviceRegistry *service_registry.ServiceRegistry,
	repository *repository.Repository,
	bus *eventbus.Bus,
	blobs http.Handler,
	m *metrics.Metrics,
) (*WebServer, error) {
	if serviceRegistry == nil || repository == nil || bus == nil || m == nil {
		return nil, errors.New("web server needs a service registry, repository, event bus and metrics")
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	ws := &WebServer{
		httpAddr:        ":" + opts.Port,
		logger:          logger.With("module", "server"),
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		repository:      repository,
		bus:             bus,
		metrics:         m,
		closing:         make(chan struct{}),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	m.GaugeFunc("stream_subscribers", "Open realtime stream subscriptions.", func() float64 {
		return float64(bus.SubscriberCount())
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.handleAPI)
	mux.HandleFunc("/healthz", ws.handleHealth)
	mux.HandleFunc("/debug", ws.handleDebug)
	mux.HandleFunc("/stream", ws.handleStream)
	mux.Handle("/metrics", m.Handler())
	if blobs != nil {
		mux.Handle("/blobs/", blobs)
	}

	ws.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(mux)

	ws.server = &http.Server{
		Addr:              ws.httpAddr,
		Handler:           ws.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws, nil
}

// Handler returns the fully wired handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// Start binds the port and serves in the background
func (ws *WebServer) Start() error {
	ln, err := net.Listen("tcp", ws.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ws.httpAddr, err)
	}
	ws.listener = ln
	ws.logger.Info("Starting web server", "addr", ln.Addr().String())
	go func() {
		if err := ws.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded
func (ws *WebServer) Addr() string {
	if ws.listener == nil {
		return ws.httpAddr
	}
	return ws.listener.Addr().String()
}

// Shutdown stops accepting requests, closes open streams and waits for them.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	ws.closeOnce.Do(func() { close(ws.closing) })

	err := ws.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		ws.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for streams: %w", ctx.Err()))
	}
	return err
}

// handleAPI dispatches every lifecycle route through the service registry
func (ws *WebServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = generateRequestID()
	}
	w.Header().Set("X-Request-ID", requestID)

	request, err := service_registry.ConvertHttpRequest(r, requestID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service_registry.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		ws.logger.Error("Failed to convert HTTP request", "request_id", requestID, "err", err)
		JSONError(w, "INVALID_REQUEST", "Failed to read request: "+err.Error(), status)
		ws.metrics.RequestServed("unmatched", status)
		return
	}

	started := time.Now()
	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil && response.StatusCode >= http.StatusInternalServerError {
		ws.logger.Error("Failed to generate response", "request_id", requestID, "err", err)
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	if _, err := w.Write([]byte(response.Body)); err != nil {
		ws.logger.Error("Failed to write response", "request_id", requestID, "err", err)
	}

	route := request.Route
	if route == "" {
		route = "unmatched"
	}
	ws.metrics.RequestServed(route, response.StatusCode)
	ws.logger.Debug("Request served",
		"request_id", requestID,
		"method", request.Method,
		"path", request.Path,
		"status", response.StatusCode,
		"took", time.Since(started),
	)
}

// handleHealth reports whether the database answers
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	health := map[string]any{"uptime": time.Since(ws.startTime).Round(time.Second).String()}
	if err := ws.repository.Ping(ctx); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
		health["database_error"] = err.Error()
	}
	health["status"] = status
	writeJSON(w, code, health)
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	grace := ws.repository.Grace()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":             time.Since(ws.startTime).String(),
		"grace_window":       grace.Window.String(),
		"grace_soft":         grace.Soft.String(),
		"stream_subscribers": ws.bus.SubscriberCount(),
		"dispatcher_running": ws.bus.Running(),
	})
}

// handleStream upgrades to a websocket and forwards lifecycle events of the requested stations.
// Without a station parameter every event is forwarded.
func (ws *WebServer) handleStream(w http.ResponseWriter, r *http.Request) {
	var stationIDs []string
	for _, v := range r.URL.Query()["station"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				stationIDs = append(stationIDs, id)
			}
		}
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		ws.logger.Info("Stream upgrade failed", "err", err)
		return
	}

	ws.streams.Add(1)
	defer ws.streams.Done()

	sub := ws.bus.Subscribe(stationIDs...)
	defer sub.Close()
	defer conn.Close()

	ws.logger.Debug("Stream opened", "remote", r.RemoteAddr, "stations", strings.Join(stationIDs, ","))

	// The read side only handles control frames and notices the client leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				ws.logger.Debug("Stream write failed", "err", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			ws.logger.Debug("Stream closed by client", "remote", r.RemoteAddr)
			return
		case <-ws.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func generateRequestID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, code, message string, statusCode int) {
	errorResponse := service_registry.ErrorBody{}
	errorResponse.Error.Code = code
	errorResponse.Error.Message = message
	writeJSON(w, statusCode, errorResponse)
}
