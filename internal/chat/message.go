package chat

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a chat. Transitions only move
// forward: PENDING -> STARTED -> ENDED.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusEnded   Status = "ENDED"
)

// UserStatus is the presence state of a chat participant.
type UserStatus string

const (
	UserDisconnected UserStatus = "DISCONNECTED"
	UserAvailable    UserStatus = "AVAILABLE"
	UserUnavailable  UserStatus = "UNAVAILABLE"
)

// MessageType identifies the payload carried by a Message. Exactly one
// payload field matching the type is populated.
type MessageType string

const (
	TypeMarkerCreate         MessageType = "MARKER_CREATE"
	TypeTagCreate            MessageType = "TAG_CREATE"
	TypeTagDelete            MessageType = "TAG_DELETE"
	TypeWhiteboardCreatePath MessageType = "WHITEBOARD_CREATE_PATH"
	TypeChatStatus           MessageType = "CHAT_STATUS"
	TypeUserStatus           MessageType = "USER_STATUS"
)

// RouteType controls message delivery. NO_ROUTE messages are stored but
// never returned to readers; TARGETED_ROUTE messages are only returned
// to users in the recipient set.
type RouteType string

const (
	RouteBroadcast RouteType = "BROADCAST_ROUTE"
	RouteTargeted  RouteType = "TARGETED_ROUTE"
	RouteNone      RouteType = "NO_ROUTE"
)

// MarkerType identifies a MARKER_CREATE marker payload.
type MarkerType string

const (
	MarkerJoined           MarkerType = "JOINED_MARKER"
	MarkerConnected        MarkerType = "CONNECTED_MARKER"
	MarkerPublishing       MarkerType = "PUBLISHING_MARKER"
	MarkerSpeaking         MarkerType = "SPEAKING_MARKER"
	MarkerStarted          MarkerType = "STARTED_MARKER"
	MarkerEnded            MarkerType = "ENDED_MARKER"
	MarkerRecordingStarted MarkerType = "RECORDING_STARTED_MARKER"
	MarkerRecordingEnded   MarkerType = "RECORDING_ENDED_MARKER"
	MarkerSkew             MarkerType = "SKEW_MARKER"
)

// Route describes how a message is delivered to readers.
type Route struct {
	Type       RouteType `json:"type"`
	Recipients []int64   `json:"recipients,omitempty"`
}

// Targets reports whether the route delivers to the given user.
func (r Route) Targets(userID int64) bool {
	for _, id := range r.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}

// Header carries the server-controlled envelope of a message. Timestamp
// is assigned on ingress by the owning node and is the sole ordering
// key within a chat; Skew preserves the delta to the client clock.
type Header struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	ChatToken string      `json:"chatToken"`
	UserID    int64       `json:"userId"`
	Timestamp float64     `json:"timestamp"`
	Skew      float64     `json:"skew"`
	Route     Route       `json:"route"`
}

// Marker is the payload of a MARKER_CREATE message. Field usage depends
// on Type; unused fields stay zero and are omitted on the wire.
type Marker struct {
	Type            MarkerType `json:"type"`
	UserID          int64      `json:"userId"`
	Name            string     `json:"name,omitempty"`
	IsConnected     bool       `json:"isConnected,omitempty"`
	IsPublishing    bool       `json:"isPublishing,omitempty"`
	IsSpeaking      bool       `json:"isSpeaking,omitempty"`
	ArchiveID       string     `json:"archiveId,omitempty"`
	UserTimestamp   float64    `json:"userTimestamp,omitempty"`
	SystemTimestamp float64    `json:"systemTimestamp,omitempty"`
	Skew            float64    `json:"skew,omitempty"`
}

// MarkerCreateMessage wraps a marker event.
type MarkerCreateMessage struct {
	Marker *Marker `json:"marker"`
}

// TagCreateMessage records a tag placed by a participant.
type TagCreateMessage struct {
	TagID          int64  `json:"tagId"`
	TagReferenceID int64  `json:"tagReferenceId,omitempty"`
	MinuteID       int64  `json:"minuteId,omitempty"`
	Name           string `json:"name"`
}

// TagDeleteMessage removes a previously created tag.
type TagDeleteMessage struct {
	TagID int64 `json:"tagId"`
}

// WhiteboardCreatePathMessage records a drawn whiteboard path.
type WhiteboardCreatePathMessage struct {
	WhiteboardID string `json:"whiteboardId"`
	PathID       string `json:"pathId"`
	PathData     string `json:"pathData"`
}

// ChatStatusMessage advances the chat lifecycle.
type ChatStatusMessage struct {
	UserID int64  `json:"userId"`
	Status Status `json:"status"`
}

// UserStatusMessage updates a participant's presence.
type UserStatusMessage struct {
	UserID    int64      `json:"userId"`
	Status    UserStatus `json:"status"`
	FirstName string     `json:"firstName,omitempty"`
}

// Message is one chat event. Header is always present; exactly one
// payload field matching Header.Type is set.
type Message struct {
	Header                      *Header                      `json:"header"`
	MarkerCreateMessage         *MarkerCreateMessage         `json:"markerCreateMessage,omitempty"`
	TagCreateMessage            *TagCreateMessage            `json:"tagCreateMessage,omitempty"`
	TagDeleteMessage            *TagDeleteMessage            `json:"tagDeleteMessage,omitempty"`
	WhiteboardCreatePathMessage *WhiteboardCreatePathMessage `json:"whiteboardCreatePathMessage,omitempty"`
	ChatStatusMessage           *ChatStatusMessage           `json:"chatStatusMessage,omitempty"`
	UserStatusMessage           *UserStatusMessage           `json:"userStatusMessage,omitempty"`
}

// EndsChat reports whether the message carries a CHAT_STATUS payload
// transitioning the chat to ENDED.
func (m *Message) EndsChat() bool {
	return m.Header != nil &&
		m.Header.Type == TypeChatStatus &&
		m.ChatStatusMessage != nil &&
		m.ChatStatusMessage.Status == StatusEnded
}

// NewMessageID returns a fresh message id: 32 lowercase hex chars.
func NewMessageID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewMessage builds a message envelope with a broadcast route and no
// payload. Header id, timestamp and skew are assigned by the owning
// node on append.
func NewMessage(t MessageType, chatToken string, userID int64) *Message {
	return &Message{
		Header: &Header{
			Type:      t,
			ChatToken: chatToken,
			UserID:    userID,
			Route:     Route{Type: RouteBroadcast},
		},
	}
}

// NewUserStatusMessage builds a broadcast USER_STATUS message.
func NewUserStatusMessage(chatToken string, userID int64, status UserStatus) *Message {
	m := NewMessage(TypeUserStatus, chatToken, userID)
	m.UserStatusMessage = &UserStatusMessage{UserID: userID, Status: status}
	return m
}

// NewChatStatusMessage builds a broadcast CHAT_STATUS message.
func NewChatStatusMessage(chatToken string, userID int64, status Status) *Message {
	m := NewMessage(TypeChatStatus, chatToken, userID)
	m.ChatStatusMessage = &ChatStatusMessage{UserID: userID, Status: status}
	return m
}

// NewMarkerCreateMessage builds a broadcast MARKER_CREATE message.
func NewMarkerCreateMessage(chatToken string, userID int64, marker *Marker) *Message {
	m := NewMessage(TypeMarkerCreate, chatToken, userID)
	m.MarkerCreateMessage = &MarkerCreateMessage{Marker: marker}
	return m
}

// NewTagCreateMessage builds a broadcast TAG_CREATE message.
func NewTagCreateMessage(chatToken string, userID int64, name string) *Message {
	m := NewMessage(TypeTagCreate, chatToken, userID)
	m.TagCreateMessage = &TagCreateMessage{Name: name}
	return m
}

// UserState tracks one participant inside a chat.
type UserState struct {
	UserID          int64      `json:"userId"`
	Status          UserStatus `json:"status"`
	UpdateTimestamp float64    `json:"updateTimestamp"`
}

// State is the replicable view of a chat: every scalar field plus the
// message subset covered by the enclosing snapshot.
type State struct {
	Token           string               `json:"token"`
	Status          Status               `json:"status"`
	MaxDuration     int64                `json:"maxDuration"`
	MaxParticipants int                  `json:"maxParticipants"`
	StartTimestamp  float64              `json:"startTimestamp"`
	EndTimestamp    float64              `json:"endTimestamp"`
	Users           map[int64]*UserState `json:"users"`
	Session         map[string]string    `json:"session"`
	Persisted       bool                 `json:"persisted"`
	Messages        []*Message           `json:"messages"`
}

// Snapshot is the unit of replication. FullSnapshot is true when State
// covers the complete message list of the source chat.
type Snapshot struct {
	FullSnapshot bool   `json:"fullSnapshot"`
	State        *State `json:"state"`
}
