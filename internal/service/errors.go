package service

import (
	"errors"
	"fmt"
	"net/http"
)

// RPC error taxonomy. Handlers wrap these with %w; the transport maps
// them to HTTP statuses and the proxy converts them back, so a
// forwarded request fails the same way a local one would.
var (
	// ErrUnavailable covers missing primaries, failed quorums, failed
	// forwards, and shutdown.
	ErrUnavailable = errors.New("service unavailable")

	// ErrInvalidChat covers unknown tokens and expired chats.
	ErrInvalidChat = errors.New("invalid chat")

	// ErrInvalidMessage covers handler-rejected messages.
	ErrInvalidMessage = errors.New("invalid message")
)

const (
	kindUnavailable    = "unavailable"
	kindInvalidChat    = "invalid_chat"
	kindInvalidMessage = "invalid_message"
	kindInternal       = "internal"
)

// errorKind names err for the wire.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return kindUnavailable
	case errors.Is(err, ErrInvalidChat):
		return kindInvalidChat
	case errors.Is(err, ErrInvalidMessage):
		return kindInvalidMessage
	default:
		return kindInternal
	}
}

// errorFromKind rebuilds the sentinel for a peer-reported error kind.
func errorFromKind(kind, message string) error {
	switch kind {
	case kindUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, message)
	case kindInvalidChat:
		return fmt.Errorf("%w: %s", ErrInvalidChat, message)
	case kindInvalidMessage:
		return fmt.Errorf("%w: %s", ErrInvalidMessage, message)
	default:
		return errors.New(message)
	}
}

// httpStatus maps err onto its response status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidChat):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
