package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/techresidents/chatsvc/internal/chat"
)

// SessionTwilioData is the session key holding voice-call metadata as
// a JSON-encoded string. The persister decodes it before archiving.
const SessionTwilioData = "twilio_data"

// VoiceHandler serves one or more Twilio callback paths, returning the
// TwiML to hand back to Twilio.
type VoiceHandler interface {
	HandledPaths() []string
	HandleVoice(ctx context.Context, c *chat.Chat, params url.Values) (string, error)
}

// VoiceRegistry collects voice handlers explicitly at startup.
type VoiceRegistry struct {
	handlers []VoiceHandler
}

// NewVoiceRegistry returns an empty registry.
func NewVoiceRegistry() *VoiceRegistry {
	return &VoiceRegistry{}
}

// Register appends h.
func (r *VoiceRegistry) Register(h VoiceHandler) {
	r.handlers = append(r.handlers, h)
}

// DefaultVoice returns a registry with the standard voice handler.
func DefaultVoice() *VoiceRegistry {
	r := NewVoiceRegistry()
	r.Register(NewConferenceVoiceHandler())
	return r
}

// VoiceManager routes callback paths to their handler.
type VoiceManager struct {
	byPath map[string]VoiceHandler
}

// NewVoiceManager indexes the registry by path. Later registrations
// win on path conflicts.
func NewVoiceManager(reg *VoiceRegistry) *VoiceManager {
	m := &VoiceManager{byPath: make(map[string]VoiceHandler)}
	for _, h := range reg.handlers {
		for _, p := range h.HandledPaths() {
			m.byPath[p] = h
		}
	}
	return m
}

// Handle dispatches one callback.
func (m *VoiceManager) Handle(ctx context.Context, path string, c *chat.Chat, params url.Values) (string, error) {
	h, ok := m.byPath[path]
	if !ok {
		return "", fmt.Errorf("no voice handler for path %s", path)
	}
	return h.HandleVoice(ctx, c, params)
}

// twilioCallState is the per-call metadata recorded into the session
// scratchpad so the archive job carries the call history.
type twilioCallState struct {
	CallSID   string  `json:"call_sid"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Status    string  `json:"call_status"`
	UpdatedAt float64 `json:"updated_at"`
}

// ConferenceVoiceHandler bridges callers into a per-chat conference
// and records call metadata under twilio_data.
type ConferenceVoiceHandler struct{}

// NewConferenceVoiceHandler returns the conference voice handler.
func NewConferenceVoiceHandler() *ConferenceVoiceHandler {
	return &ConferenceVoiceHandler{}
}

// HandledPaths implements VoiceHandler.
func (h *ConferenceVoiceHandler) HandledPaths() []string {
	return []string{
		"/chatsvc/twilio/voice",
		"/chatsvc/twilio/voice_end",
		"/chatsvc/twilio/status",
	}
}

// HandleVoice implements VoiceHandler.
func (h *ConferenceVoiceHandler) HandleVoice(_ context.Context, c *chat.Chat, params url.Values) (string, error) {
	h.recordCall(c, params)

	switch {
	case params.Get("CallStatus") == "completed":
		return emptyTwiML, nil
	case params.Get("Digits") == "hangup":
		return hangupTwiML, nil
	default:
		return fmt.Sprintf(conferenceTwiML, c.Token()), nil
	}
}

func (h *ConferenceVoiceHandler) recordCall(c *chat.Chat, params url.Values) {
	state := twilioCallState{
		CallSID:   params.Get("CallSid"),
		From:      params.Get("From"),
		To:        params.Get("To"),
		Status:    params.Get("CallStatus"),
		UpdatedAt: float64(time.Now().UnixNano()) / 1e9,
	}
	if state.CallSID == "" {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.SessionSet(SessionTwilioData, string(data))
}

const (
	emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response/>`

	hangupTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response><Hangup/></Response>`

	conferenceTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response><Dial><Conference>%s</Conference></Dial></Response>`
)
