package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/handlers"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/monitoring"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"

// health reports node liveness details for /healthz.
type health interface {
	Connected() bool
}

// httpServer exposes the RPC surface, the websocket egress, the Twilio
// callbacks, and the operational endpoints.
type httpServer struct {
	dispatcher *Dispatcher
	voice      *handlers.VoiceManager
	bus        health
	chats      *chat.Manager
	ring       *hashring.Ring
	hostname   string
	logger     zerolog.Logger
}

func newHTTPServer(d *Dispatcher, voice *handlers.VoiceManager, bus health, chats *chat.Manager, ring *hashring.Ring, hostname string, logger zerolog.Logger) *httpServer {
	return &httpServer{
		dispatcher: d,
		voice:      voice,
		bus:        bus,
		chats:      chats,
		ring:       ring,
		hostname:   hostname,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// router builds the chi routing table.
func (s *httpServer) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/chatsvc", func(r chi.Router) {
		r.Get("/hashring", s.handleGetHashring)
		r.Get("/preference-list", s.handleGetPreferenceList)
		r.Get("/messages", s.handleGetMessages)
		r.Post("/messages", s.handleSendMessage)
		r.Post("/replicate", s.handleReplicate)
		r.Post("/expire-session", s.handleExpireSession)
		r.Get("/ws", s.handleWebsocket)
		r.HandleFunc("/twilio/*", s.handleTwilio)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// requestLogger emits one structured line per request. Long polls make
// latencies of several seconds normal on /chatsvc/messages.
func (s *httpServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *httpServer) writeError(w http.ResponseWriter, rpc string, err error) {
	kind := errorKind(err)
	monitoring.RPCErrors.WithLabelValues(rpc, kind).Inc()
	writeJSON(w, httpStatus(err), errorResponse{Error: apiError{
		Kind:    kind,
		Message: err.Error(),
	}})
}

func (s *httpServer) handleGetHashring(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hashringResponse{Positions: s.dispatcher.GetHashring()})
}

func (s *httpServer) handleGetPreferenceList(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("chatToken")
	writeJSON(w, http.StatusOK, preferenceListResponse{
		Nodes: s.dispatcher.GetPreferenceList(token),
	})
}

// readParams pulls the GetMessages query surface out of a request.
func readParams(r *http.Request) (rc handlers.RequestContext, token string, asOf float64, block bool, timeout time.Duration) {
	q := r.URL.Query()
	token = q.Get("chatToken")
	asOf, _ = strconv.ParseFloat(q.Get("asOf"), 64)
	block, _ = strconv.ParseBool(q.Get("block"))
	if secs, err := strconv.ParseFloat(q.Get("timeout"), 64); err == nil {
		timeout = time.Duration(secs * float64(time.Second))
	}
	rc.UserID, _ = strconv.ParseInt(q.Get("userId"), 10, 64)
	rc.SessionID = q.Get("sessionId")
	return rc, token, asOf, block, timeout
}

func (s *httpServer) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	rc, token, asOf, block, timeout := readParams(r)
	msgs, err := s.dispatcher.GetMessages(r.Context(), rc, token, asOf, block, timeout)
	if err != nil {
		s.writeError(w, "get_messages", err)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (s *httpServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "send_message", ErrInvalidMessage)
		return
	}
	msg, err := s.dispatcher.SendMessage(r.Context(), req.RequestContext, req.Message, req.N, req.W)
	if err != nil {
		s.writeError(w, "send_message", err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{Message: msg})
}

func (s *httpServer) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "replicate", ErrInvalidMessage)
		return
	}
	if err := s.dispatcher.Replicate(r.Context(), req.Snapshot); err != nil {
		s.writeError(w, "replicate", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *httpServer) handleExpireSession(w http.ResponseWriter, r *http.Request) {
	var req expireSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "expire_session", ErrInvalidMessage)
		return
	}
	expired := s.dispatcher.ExpireSession(time.Duration(req.Timeout * float64(time.Second)))
	writeJSON(w, http.StatusOK, expireSessionResponse{Expired: expired})
}

// handleTwilio serves the voice-callback TwiML. Twilio posts form
// parameters; a handler failure returns an empty TwiML document so the
// call degrades instead of replaying the webhook forever.
func (s *httpServer) handleTwilio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	token := r.Form.Get("chatToken")
	c, err := s.chats.Get(r.Context(), token)
	if err != nil {
		s.logger.Warn().Err(err).Str("chat_token", token).Msg("twilio callback for unknown chat")
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response/>`))
		return
	}

	twiml, err := s.voice.Handle(r.Context(), r.URL.Path, c, r.Form)
	w.Header().Set("Content-Type", "text/xml")
	if err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("twilio handler failed")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response/>`))
		return
	}
	_, _ = w.Write([]byte(twiml))
}

func (s *httpServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := s.ring.Current()
	resp := healthResponse{
		Status:        "ok",
		RingPositions: len(view),
		RingPeers:     hashring.Peers(view),
		NATSConnected: s.bus == nil || s.bus.Connected(),
		ActiveChats:   s.chats.Count(),
	}
	code := http.StatusOK
	if resp.RingPositions == 0 || !resp.NATSConnected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *httpServer) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Name:     "chatsvc",
		Version:  Version,
		Hostname: s.hostname,
	})
}
