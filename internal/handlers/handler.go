// Package handlers contains the message-type-dispatched plugins that
// interpret chat messages: lifecycle status, markers, idle-user
// detection, and the Twilio voice callbacks.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/techresidents/chatsvc/internal/chat"
)

// RequestContext carries caller identity through handler invocations.
type RequestContext struct {
	UserID    int64  `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// Handler mutates chat state for the message types it declares and may
// emit additional messages. Extra messages are appended alongside the
// original but are not themselves rerun through handlers.
type Handler interface {
	HandledTypes() []chat.MessageType
	Handle(ctx context.Context, rc RequestContext, c *chat.Chat, msg *chat.Message) ([]*chat.Message, error)
}

// Registry collects handlers explicitly at startup. Registration order
// is invocation order within a message type.
type Registry struct {
	handlers []Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends h.
func (r *Registry) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Default returns a registry with the standard handler set.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewStatusHandler())
	r.Register(NewMarkerHandler())
	return r
}

// Manager indexes registered handlers by message type and runs the
// default pre-handler before them.
type Manager struct {
	byType        map[chat.MessageType][]Handler
	idleThreshold time.Duration
}

// NewManager indexes the registry.
func NewManager(reg *Registry, idleThreshold time.Duration) *Manager {
	m := &Manager{
		byType:        make(map[chat.MessageType][]Handler),
		idleThreshold: idleThreshold,
	}
	for _, h := range reg.handlers {
		for _, t := range h.HandledTypes() {
			m.byType[t] = append(m.byType[t], h)
		}
	}
	return m
}

var errUnknownType = errors.New("unknown message type")

// alwaysAllowed lists the types accepted regardless of chat status.
// Everything else requires a STARTED chat.
func alwaysAllowed(t chat.MessageType) bool {
	switch t {
	case chat.TypeChatStatus, chat.TypeUserStatus, chat.TypeMarkerCreate:
		return true
	}
	return false
}

// precheck is the default pre-handler: the type must be known, its
// payload present, and the chat status must admit the message.
func (m *Manager) precheck(c *chat.Chat, msg *chat.Message) error {
	if msg == nil || msg.Header == nil {
		return errors.New("message header missing")
	}
	var payload bool
	switch msg.Header.Type {
	case chat.TypeMarkerCreate:
		payload = msg.MarkerCreateMessage != nil && msg.MarkerCreateMessage.Marker != nil
	case chat.TypeTagCreate:
		payload = msg.TagCreateMessage != nil
	case chat.TypeTagDelete:
		payload = msg.TagDeleteMessage != nil
	case chat.TypeWhiteboardCreatePath:
		payload = msg.WhiteboardCreatePathMessage != nil
	case chat.TypeChatStatus:
		payload = msg.ChatStatusMessage != nil
	case chat.TypeUserStatus:
		payload = msg.UserStatusMessage != nil
	default:
		return fmt.Errorf("%w: %s", errUnknownType, msg.Header.Type)
	}
	if !payload {
		return fmt.Errorf("message type %s payload missing", msg.Header.Type)
	}
	if !alwaysAllowed(msg.Header.Type) && c.Status() != chat.StatusStarted {
		return fmt.Errorf("message type %s requires a started chat, status is %s",
			msg.Header.Type, c.Status())
	}
	return nil
}

// Handle runs the pre-handler, then every handler registered for the
// message's type in registration order, collecting extra messages. An
// error from any handler aborts the message.
func (m *Manager) Handle(ctx context.Context, rc RequestContext, c *chat.Chat, msg *chat.Message) ([]*chat.Message, error) {
	if err := m.precheck(c, msg); err != nil {
		return nil, err
	}
	var extras []*chat.Message
	for _, h := range m.byType[msg.Header.Type] {
		more, err := h.Handle(ctx, rc, c, msg)
		if err != nil {
			return nil, err
		}
		extras = append(extras, more...)
	}
	return extras, nil
}

// HandlePoll is the read-path hook: participants silent past the idle
// threshold are marked unavailable. The returned messages are fed back
// through the send path by the dispatcher, which is what actually
// upserts the new status.
func (m *Manager) HandlePoll(_ context.Context, c *chat.Chat) []*chat.Message {
	now := float64(time.Now().UnixNano()) / 1e9
	var out []*chat.Message
	for id, u := range c.Users() {
		if u.Status == chat.UserUnavailable || u.UpdateTimestamp == 0 {
			continue
		}
		if now-u.UpdateTimestamp > m.idleThreshold.Seconds() {
			out = append(out, chat.NewUserStatusMessage(c.Token(), id, chat.UserUnavailable))
		}
	}
	return out
}
