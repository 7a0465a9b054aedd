package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/techresidents/chatsvc/internal/chat"
)

// MarkerHandler interprets MARKER_CREATE messages. Most markers are
// stored as-is for the archive; STARTED and ENDED markers stamp the
// chat lifecycle, and join markers refresh the sender's presence so a
// freshly connected user is not instantly flagged idle.
type MarkerHandler struct{}

// NewMarkerHandler returns the marker handler.
func NewMarkerHandler() *MarkerHandler {
	return &MarkerHandler{}
}

// HandledTypes implements Handler.
func (h *MarkerHandler) HandledTypes() []chat.MessageType {
	return []chat.MessageType{chat.TypeMarkerCreate}
}

// Handle implements Handler.
func (h *MarkerHandler) Handle(_ context.Context, _ RequestContext, c *chat.Chat, msg *chat.Message) ([]*chat.Message, error) {
	marker := msg.MarkerCreateMessage.Marker
	if marker.Type == "" {
		return nil, errors.New("marker type missing")
	}
	now := float64(time.Now().UnixNano()) / 1e9

	switch marker.Type {
	case chat.MarkerStarted:
		c.TransitionStatus(chat.StatusStarted, now)
	case chat.MarkerEnded:
		c.TransitionStatus(chat.StatusEnded, now)
	case chat.MarkerJoined, chat.MarkerConnected:
		c.TouchUser(marker.UserID, now)
	case chat.MarkerPublishing, chat.MarkerSpeaking,
		chat.MarkerRecordingStarted, chat.MarkerRecordingEnded,
		chat.MarkerSkew:
		// Stored for the archive, no state change.
	default:
		return nil, errors.New("unknown marker type: " + string(marker.Type))
	}
	return nil, nil
}
