package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dparodi/vocalia/internal/config"
	"github.com/dparodi/vocalia/internal/memory"
	"github.com/dparodi/vocalia/internal/observability"
	"github.com/dparodi/vocalia/internal/protocol"
	"github.com/dparodi/vocalia/internal/session"
	"github.com/dparodi/vocalia/internal/task"
	"github.com/dparodi/vocalia/internal/worker"
)

// Connector runs the realtime pipeline for one websocket connection.
// *gateway.Gateway satisfies this.
type Connector interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

// Router submits one task to its pool; used here for voice cloning.
type Router interface {
	Route(ctx context.Context, t task.Task) (task.Result, error)
}

// PoolDirectory exposes pool capacity for the admin endpoint.
type PoolDirectory interface {
	Describe() []worker.Status
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	connector Connector
	router    Router
	pools     PoolDirectory
	store     memory.Store
	metrics   *observability.Metrics
	turns     *observability.TurnWindow
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, connector Connector, router Router, pools PoolDirectory, store memory.Store, metrics *observability.Metrics, turns *observability.TurnWindow) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		connector: connector,
		router:    router,
		pools:     pools,
		store:     store,
		metrics:   metrics,
		turns:     turns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Get("/v1/pools", s.handlePools)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/voice/clone", s.handleCloneVoice)
	r.Get("/v1/voices", s.handleListVoices)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.pools != nil {
		for _, st := range s.pools.Describe() {
			if st.Unhealthy == st.Slots {
				respondJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status": "degraded",
					"pool":   string(st.Type),
				})
				return
			}
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 16000
	}

	sess := s.sessions.Create(req.UserID, req.VoiceID, req.Speak, req.SampleRate)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		State:           sess.State,
		VoiceID:         sess.VoiceID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleSessionWS upgrades the connection and hands it to the gateway. The
// first frame must be init; it either reattaches to an existing session or
// creates a fresh one.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "gateway not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, ok := s.awaitInit(conn)
	if !ok {
		return
	}

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.connector.RunConnection(ctx, sess, inbound, outbound)
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:    protocol.TypeErrorEvent,
				Kind:    "invalid_client_message",
				Message: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}
		if _, isInit := parsed.(protocol.Init); isInit {
			// One init per connection.
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

// awaitInit reads and validates the first frame, then resolves the session.
func (s *Server) awaitInit(conn *websocket.Conn) (*session.Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.writeInitError(conn, "invalid_client_message", err.Error())
		return nil, false
	}
	init, ok := parsed.(protocol.Init)
	if !ok {
		s.writeInitError(conn, "init_required", "first frame must be init")
		return nil, false
	}

	if init.SessionID != "" {
		sess, err := s.sessions.Get(init.SessionID)
		if err != nil {
			s.writeInitError(conn, "session_not_found", err.Error())
			return nil, false
		}
		if sess.Ended() {
			s.writeInitError(conn, "session_ended", "cannot reattach to an ended session")
			return nil, false
		}
		return sess, true
	}
	return s.sessions.Create(init.UserID, init.VoiceID, init.Speak, init.SampleRate), true
}

func (s *Server) writeInitError(conn *websocket.Conn, kind, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Kind: kind, Message: message})
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
	case protocol.Init:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.TextInput:
		return m.Type, true
	case protocol.Control:
		return m.Type, true
	case protocol.QualityFeedback:
		return m.Type, true
	case protocol.Ready:
		return m.Type, true
	case protocol.STTPartial:
		return m.Type, true
	case protocol.STTFinal:
		return m.Type, true
	case protocol.AgentThinking:
		return m.Type, true
	case protocol.AgentReply:
		return m.Type, true
	case protocol.TTSChunk:
		return m.Type, true
	case protocol.TTSComplete:
		return m.Type, true
	case protocol.TurnMetrics:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Ended:
		return m.Type, true
	default:
		return "", false
	}
}
