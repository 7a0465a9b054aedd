package service

import (
	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/handlers"
	"github.com/techresidents/chatsvc/internal/hashring"
)

// Wire types shared by the HTTP handlers and the peer proxy. The same
// surface serves clients and peer-to-peer traffic, so a forwarded
// request is byte-identical to the original.

type sendMessageRequest struct {
	RequestContext handlers.RequestContext `json:"requestContext"`
	Message        *chat.Message           `json:"message"`
	N              int                     `json:"n"`
	W              int                     `json:"w"`
}

type sendMessageResponse struct {
	Message *chat.Message `json:"message"`
}

type messagesResponse struct {
	Messages []*chat.Message `json:"messages"`
}

type replicateRequest struct {
	RequestContext handlers.RequestContext `json:"requestContext"`
	Snapshot       *chat.Snapshot          `json:"snapshot"`
}

type hashringResponse struct {
	Positions []hashring.Position `json:"positions"`
}

type preferenceListResponse struct {
	Nodes []hashring.Node `json:"nodes"`
}

type expireSessionRequest struct {
	Timeout float64 `json:"timeout"`
}

type expireSessionResponse struct {
	Expired bool `json:"expired"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type infoResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
}

type healthResponse struct {
	Status        string `json:"status"`
	RingPositions int    `json:"ringPositions"`
	RingPeers     int    `json:"ringPeers"`
	NATSConnected bool   `json:"natsConnected"`
	ActiveChats   int    `json:"activeChats"`
}
