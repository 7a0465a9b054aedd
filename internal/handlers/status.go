package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/techresidents/chatsvc/internal/chat"
)

// StatusHandler applies CHAT_STATUS lifecycle transitions and
// USER_STATUS presence updates.
type StatusHandler struct{}

// NewStatusHandler returns the status handler.
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{}
}

// HandledTypes implements Handler.
func (h *StatusHandler) HandledTypes() []chat.MessageType {
	return []chat.MessageType{chat.TypeChatStatus, chat.TypeUserStatus}
}

// Handle implements Handler.
func (h *StatusHandler) Handle(_ context.Context, _ RequestContext, c *chat.Chat, msg *chat.Message) ([]*chat.Message, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	switch msg.Header.Type {
	case chat.TypeChatStatus:
		to := msg.ChatStatusMessage.Status
		if to == c.Status() {
			// Duplicate status announcements are common when several
			// participants report the same transition; keep the first.
			return nil, nil
		}
		if !c.TransitionStatus(to, now) {
			return nil, fmt.Errorf("invalid chat status transition %s -> %s", c.Status(), to)
		}
	case chat.TypeUserStatus:
		u := msg.UserStatusMessage
		if u.Status == "" {
			return nil, fmt.Errorf("user status missing for user %d", u.UserID)
		}
		c.UpsertUser(u.UserID, u.Status, now)
	}
	return nil, nil
}
