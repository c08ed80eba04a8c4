package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/speechchunks/internal/config"
	"github.com/skypro1111/speechchunks/internal/metrics"
	"github.com/skypro1111/speechchunks/internal/sink"
	"github.com/skypro1111/speechchunks/internal/stream"
)

const (
	// maxIngestMessage bounds one WebSocket audio message
	maxIngestMessage = 1 << 20
	maxSampleRate    = 384000
	wsWriteTimeout   = 5 * time.Second
)

// HTTPServer provides the monitoring API, utterance downloads and the
// WebSocket ingest endpoint
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	udpServer *UDPServer
	sink      sink.Sink
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	startTime time.Time

	// clients holds open ingest connections so Stop can close them
	clients map[*websocket.Conn]struct{}
	// ingests tracks ingest handlers, which Shutdown does not wait for
	ingests  sync.WaitGroup
	stopping bool
	mu       sync.Mutex
}

// NewHTTPServer creates a new HTTP API server. udpServer may be nil when UDP
// ingest is disabled.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, streamMgr *stream.Manager,
	udpServer *UDPServer, store sink.Sink, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		udpServer: udpServer,
		sink:      store,
		metrics:   m,
		startTime: time.Now(),
		clients:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(appConfig.HTTP.Address, strconv.Itoa(appConfig.HTTP.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	mux.HandleFunc("/utterances", h.withMetrics("/utterances", h.handleUtterances))
	mux.HandleFunc("/utterances/", h.withMetrics("/utterances/{id}", h.handleUtteranceDownload))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", h.metrics.Handler())

	// hijacked connections cannot be wrapped by the metrics writer
	if h.config.HTTP.Ingest {
		mux.HandleFunc("/ingest", h.handleIngest)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the router, for embedding or tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server, closes ingest connections and waits
// for their streams to be finalized or for ctx to end
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.mu.Lock()
	h.stopping = true
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteTimeout))
		conn.Close()
	}
	h.mu.Unlock()

	err := h.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.ingests.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("ingest streams still finalizing: %w", ctx.Err()))
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]any{
		"stream_manager": map[string]any{
			"status":         "running",
			"active_streams": h.streamMgr.GetActiveSessionCount(),
		},
		"sink": map[string]any{
			"status": "running",
			"type":   h.config.Sink.Type,
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name": "speechchunks",
		},
		"components": components,
	})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.GetAllSessions()
	sessionInfos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		sessionInfos = append(sessionInfos, session.GetSessionInfo())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(sessionInfos),
		"timestamp":     time.Now().UTC(),
		"streams":       sessionInfos,
	})
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleUtterances implements the /utterances endpoint
func (h *HTTPServer) handleUtterances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos, err := h.sink.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list utterances", slog.String("error", err.Error()))
		http.Error(w, "Failed to list utterances", http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []sink.Info{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_utterances": len(infos),
		"utterances":       infos,
	})
}

// handleUtteranceDownload implements the /utterances/{id} endpoint
func (h *HTTPServer) handleUtteranceDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/utterances/")
	if id == "" {
		http.Error(w, "Utterance ID required", http.StatusBadRequest)
		return
	}

	data, info, err := h.sink.Load(r.Context(), id)
	if errors.Is(err, sink.ErrNotFound) {
		http.Error(w, "Utterance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load utterance", slog.String("utterance_id", id), slog.String("error", err.Error()))
		http.Error(w, "Failed to load utterance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.ID+".wav"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"enabled":                h.config.Server.Enabled,
			"udp_port":               h.config.Server.UDPPort,
			"bind_address":           h.config.Server.BindAddress,
			"buffer_size":            h.config.Server.BufferSize,
			"workers":                h.config.Server.Workers,
			"queue_size":             h.config.Server.QueueSize,
			"max_concurrent_streams": h.config.Server.MaxConcurrentStreams,
		},
		"audio": map[string]any{
			"sample_rate":          h.config.Audio.SampleRate,
			"window_size":          h.config.Audio.WindowSize,
			"stream_timeout":       h.config.Audio.StreamTimeout,
			"max_segment_duration": h.config.Audio.MaxSegmentDuration,
		},
		"vad": map[string]any{
			"engine":                  h.config.VAD.Engine,
			"model_path":              h.config.VAD.ModelPath,
			"start_threshold":         h.config.VAD.StartThreshold,
			"end_threshold":           h.config.VAD.EndThreshold,
			"min_silence_duration_ms": h.config.VAD.MinSilenceDurationMs,
			"speech_pad_ms":           h.config.VAD.SpeechPadMs,
		},
		"sink": map[string]any{
			"type": h.config.Sink.Type,
			"path": h.config.Sink.Path,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var utterances, sinkFailures, windows uint64
	sessions := h.streamMgr.GetAllSessions()
	for _, session := range sessions {
		info := session.GetSessionInfo()
		utterances += info.Utterances
		sinkFailures += info.SinkFailures
		windows += info.Segmenter.WindowsFed
	}

	h.mu.Lock()
	clients := len(h.clients)
	h.mu.Unlock()

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams": map[string]any{
			"active_count":      len(sessions),
			"windows_fed":       windows,
			"utterances":        utterances,
			"sink_failures":     sinkFailures,
			"websocket_clients": clients,
		},
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "speechchunks",
		"endpoints": map[string]any{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /streams":          "List all active streams",
			"GET /streams/{id}":     "Get detailed stream information",
			"GET /utterances":       "List stored utterances",
			"GET /utterances/{id}":  "Download an utterance as WAV",
			"GET /config":           "Get service configuration",
			"GET /stats":            "Get service statistics",
			"GET /metrics":          "Prometheus metrics",
			"GET /ingest (upgrade)": "WebSocket PCM-16 ingest, query: sample_rate, label",
		},
		"timestamp": time.Now().UTC(),
	})
}

// ingestStatus is the first message sent on an ingest connection
type ingestStatus struct {
	Type       string `json:"type"`
	StreamID   string `json:"stream_id"`
	SampleRate int    `json:"sample_rate"`
	WindowSize int    `json:"window_size"`
}

// handleIngest implements the /ingest WebSocket endpoint. Each binary message
// carries PCM-16 LE mono samples; the stream ends when the socket closes.
func (h *HTTPServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.ingests.Add(1)
	h.mu.Unlock()
	defer h.ingests.Done()

	sampleRate := 0
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 || rate > maxSampleRate {
			http.Error(w, "Invalid sample_rate", http.StatusBadRequest)
			return
		}
		sampleRate = rate
	}

	id := "ws-" + uuid.NewString()
	session, err := h.streamMgr.Open(id, r.URL.Query().Get("label"), sampleRate)
	if errors.Is(err, stream.ErrTooManyStreams) || errors.Is(err, stream.ErrManagerStopped) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.logger.Error("Failed to open ingest stream", slog.String("error", err.Error()))
		http.Error(w, "Failed to open stream", http.StatusInternalServerError)
		return
	}
	defer h.streamMgr.RemoveSession(id)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.metrics.WebSocketClients.Inc()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		h.metrics.WebSocketClients.Dec()
	}()

	logger := h.logger.With(slog.String("stream_id", id), slog.String("remote_addr", r.RemoteAddr))
	logger.Info("WebSocket ingest connected", slog.Int("sample_rate", session.SampleRate()))

	conn.SetReadLimit(maxIngestMessage)
	// the server read timeout does not apply to a long-lived stream
	conn.SetReadDeadline(time.Time{})

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(ingestStatus{
		Type:       "opened",
		StreamID:   id,
		SampleRate: session.SampleRate(),
		WindowSize: h.config.Audio.WindowSize,
	}); err != nil {
		logger.Warn("Failed to send ingest status", slog.String("error", err.Error()))
		return
	}

	var sequence uint32
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("WebSocket ingest closed unexpectedly", slog.String("error", err.Error()))
			}
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if err := session.WritePacket(sequence, data); err != nil {
			logger.Warn("Rejected ingest message", slog.String("error", err.Error()))
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()),
				time.Now().Add(wsWriteTimeout))
			break
		}
		sequence++
	}

	logger.Info("WebSocket ingest disconnected", slog.Uint64("messages", uint64(sequence)))
}
