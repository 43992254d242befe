package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/kioskvoice/internal/bus"
	"github.com/ent0n29/kioskvoice/internal/config"
	"github.com/ent0n29/kioskvoice/internal/journal"
	"github.com/ent0n29/kioskvoice/internal/observability"
	"github.com/ent0n29/kioskvoice/internal/protocol"
	"github.com/ent0n29/kioskvoice/internal/session"
)

const (
	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	journal      journal.Store
	publisher    bus.Publisher
	metrics      *observability.Metrics
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*deviceConn
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	orchestrator Orchestrator,
	store journal.Store,
	publisher bus.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	if publisher == nil {
		publisher = bus.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		journal:      store,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger.With(slog.String("component", "httpapi")),
		conns:        make(map[string]*deviceConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Kiosk devices are not browsers and usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	sessions.SetExpireHook(func(sess *session.Session) {
		s.metrics.SessionEvents.WithLabelValues("expired").Inc()
		s.Disconnect(sess.ID, protocol.CodeSessionExpired)
	})
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)

	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/streams", s.handleListStreams)
	r.Get("/v1/sessions/{id}/conversation", s.handleListConversation)
	r.Post("/v1/sessions/{id}/say", s.handleSay)

	r.Get("/ws/tts", s.handleDeviceWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "reason": "orchestrator not configured"})
		return
	}
	if !s.publisher.Healthy() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "reason": "event bus disconnected"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.View(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session":   view,
		"connected": s.connected(view.SessionID),
	})
}

// journalQuery validates the session and limit shared by the journal
// listings. It writes the error response itself and reports false then.
func (s *Server) journalQuery(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return "", 0, false
	}
	if s.journal == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stream journal not configured")
		return "", 0, false
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return "", 0, false
		}
		limit = n
	}
	return id, limit, true
}

func (s *Server) handleListConversation(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := s.journalQuery(w, r)
	if !ok {
		return
	}
	turns, err := s.journal.RecentTurns(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	if turns == nil {
		turns = []journal.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := s.journalQuery(w, r)
	if !ok {
		return
	}
	records, err := s.journal.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	if records == nil {
		records = []journal.StreamRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "streams": records})
}

type sayRequest struct {
	Text string `json:"text"`
}

// handleSay injects a text query into a connected device's session, as if
// the visitor had typed it.
func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	s.mu.Lock()
	dc := s.conns[id]
	s.mu.Unlock()
	if dc == nil {
		respondError(w, http.StatusNotFound, "device_not_connected", "no device connected for this session")
		return
	}
	if err := dc.submit(protocol.TextQuery{Type: protocol.TypeTextQuery, Text: text}); err != nil {
		respondError(w, http.StatusServiceUnavailable, "device_busy", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("say_injected").Inc()
	respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "accepted": true})
}

// Disconnect closes a session's device connection after telling the device
// why. It reports whether a connection was found.
func (s *Server) Disconnect(sessionID, code string) bool {
	s.mu.Lock()
	dc := s.conns[sessionID]
	s.mu.Unlock()
	if dc == nil {
		return false
	}
	dc.notify(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: code})
	return true
}

func (s *Server) connected(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[sessionID]
	return ok
}

var (
	errConnClosed = errors.New("connection closed")
	errConnBusy   = errors.New("connection inbound queue is full")
)

// deviceConn is the server side of one device websocket.
type deviceConn struct {
	inbound chan any
	// notices carries a final message; the writer sends it and hangs up.
	notices chan any

	mu     sync.Mutex
	closed bool
}

func (c *deviceConn) submit(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.inbound <- msg:
		return nil
	default:
		return errConnBusy
	}
}

func (c *deviceConn) notify(msg any) {
	select {
	case c.notices <- msg:
	default:
	}
}

func (c *deviceConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
}

func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.sessions.Create()
	logger := s.logger.With(slog.String("session_id", sess.ID))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dc := &deviceConn{
		inbound: make(chan any, 256),
		notices: make(chan any, 1),
	}
	s.mu.Lock()
	s.conns[sess.ID] = dc
	s.mu.Unlock()

	outbound := make(chan any, 256)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer cancel()
		if err := s.orchestrator.RunConnection(ctx, sess, dc.inbound, outbound); err != nil && ctx.Err() == nil {
			logger.Warn("connection ended with error", slog.String("error", err.Error()))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.writeLoop(ctx, conn, outbound, dc.notices, logger)
	}()
	go func() {
		// Unblocks the read loop once nothing more will be written.
		<-writerDone
		_ = conn.Close()
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = s.sessions.Touch(sess.ID)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			logger.Debug("invalid device message", slog.String("error", err.Error()))
			select {
			case outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "invalid_message", Detail: err.Error()}:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeSystemEvent), "queued")
			default:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeSystemEvent), "drop_full")
			}
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case dc.inbound <- parsed:
		}
	}

	cancel()
	dc.close()
	<-runDone
	<-writerDone

	s.mu.Lock()
	if s.conns[sess.ID] == dc {
		delete(s.conns, sess.ID)
	}
	s.mu.Unlock()
	_, _ = s.sessions.End(sess.ID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	logger.Info("device disconnected")
}

// writeLoop is the only writer of conn. Binary chunks go out as binary
// frames and everything else as JSON text frames.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan any, notices <-chan any, logger *slog.Logger) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	write := func(msg any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		var err error
		if chunk, ok := msg.(protocol.BinaryChunk); ok {
			err = conn.WriteMessage(websocket.BinaryMessage, chunk)
		} else {
			err = conn.WriteJSON(msg)
		}
		t, _ := messageTypeOf(msg)
		if err != nil {
			s.metrics.ObserveOutboundMessage(string(t), "write_error")
			return err
		}
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case msg := <-notices:
			_ = write(msg)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(writeTimeout))
			return
		case msg := <-outbound:
			if err := write(msg); err != nil {
				logger.Warn("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.BinaryChunk:
		return "binary", true
	case protocol.Register:
		return m.Type, true
	case protocol.TextQuery:
		return m.Type, true
	case protocol.RecordingStart:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.RecordingComplete:
		return m.Type, true
	case protocol.StreamPlayed:
		return m.Type, true
	case protocol.StreamRejected:
		return m.Type, true
	case protocol.TurnFinished:
		return m.Type, true
	case protocol.RegisterAck:
		return m.Type, true
	case protocol.StreamStart:
		return m.Type, true
	case protocol.StreamComplete:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.TurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	default:
		return "", false
	}
}
