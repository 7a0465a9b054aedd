package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/handlers"
	"github.com/techresidents/chatsvc/internal/hashring"
)

// PeerClient is the outbound RPC surface toward other nodes: request
// forwarding for the dispatcher and snapshot delivery for the
// replicator. Tests substitute an in-process implementation.
type PeerClient interface {
	SendMessage(ctx context.Context, node hashring.Node, req sendMessageRequest) (*chat.Message, error)
	GetMessages(ctx context.Context, node hashring.Node, rc handlers.RequestContext, chatToken string, asOf float64, block bool, timeout time.Duration) ([]*chat.Message, error)
	Replicate(ctx context.Context, node hashring.Node, snap *chat.Snapshot) error
}

// httpPeers is the production PeerClient: one bounded HTTP client per
// peer serviceKey, created lazily, pruned when the peer drops off the
// ring.
type httpPeers struct {
	maxConns int
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// newHTTPPeers builds the client pool and subscribes its pruning to
// ring changes.
func newHTTPPeers(ring *hashring.Ring, maxConns int, logger zerolog.Logger) *httpPeers {
	p := &httpPeers{
		maxConns: maxConns,
		logger:   logger.With().Str("component", "peer_client").Logger(),
		clients:  make(map[string]*http.Client),
	}
	ring.Subscribe(func(ev hashring.Event) {
		alive := make(map[string]struct{})
		for _, pos := range ev.Current {
			alive[pos.Node.ServiceKey] = struct{}{}
		}
		p.prune(alive)
	})
	return p
}

func (p *httpPeers) client(node hashring.Node) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[node.ServiceKey]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     p.maxConns,
			MaxIdleConnsPerHost: p.maxConns,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	p.clients[node.ServiceKey] = c
	return c
}

func (p *httpPeers) prune(alive map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.clients {
		if _, ok := alive[key]; ok {
			continue
		}
		c.CloseIdleConnections()
		delete(p.clients, key)
	}
}

func peerURL(node hashring.Node, path string) string {
	return fmt.Sprintf("http://%s:%d%s", node.Address, node.Port, path)
}

// post sends a JSON request and decodes either the expected response
// or the peer's error body back into the local taxonomy.
func (p *httpPeers) post(ctx context.Context, node hashring.Node, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("peer request marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(node, path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(node, req, out)
}

func (p *httpPeers) get(ctx context.Context, node hashring.Node, path string, query url.Values, out any) error {
	u := peerURL(node, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return p.do(node, req, out)
}

func (p *httpPeers) do(node hashring.Node, req *http.Request, out any) error {
	resp, err := p.client(node).Do(req)
	if err != nil {
		return fmt.Errorf("%w: peer %s unreachable: %v", ErrUnavailable, node.ServiceKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eresp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&eresp); err != nil || eresp.Error.Kind == "" {
			return fmt.Errorf("%w: peer %s returned status %d",
				ErrUnavailable, node.ServiceKey, resp.StatusCode)
		}
		return errorFromKind(eresp.Error.Kind, eresp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: peer %s response decode: %v", ErrUnavailable, node.ServiceKey, err)
	}
	return nil
}

// SendMessage implements PeerClient.
func (p *httpPeers) SendMessage(ctx context.Context, node hashring.Node, req sendMessageRequest) (*chat.Message, error) {
	var resp sendMessageResponse
	if err := p.post(ctx, node, "/chatsvc/messages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// GetMessages implements PeerClient.
func (p *httpPeers) GetMessages(ctx context.Context, node hashring.Node, rc handlers.RequestContext, chatToken string, asOf float64, block bool, timeout time.Duration) ([]*chat.Message, error) {
	query := url.Values{}
	query.Set("chatToken", chatToken)
	query.Set("asOf", strconv.FormatFloat(asOf, 'f', -1, 64))
	query.Set("block", strconv.FormatBool(block))
	query.Set("timeout", strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
	if rc.UserID != 0 {
		query.Set("userId", strconv.FormatInt(rc.UserID, 10))
	}
	var resp messagesResponse
	if err := p.get(ctx, node, "/chatsvc/messages", query, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Replicate implements PeerClient and replication.Sender.
func (p *httpPeers) Replicate(ctx context.Context, node hashring.Node, snap *chat.Snapshot) error {
	return p.post(ctx, node, "/chatsvc/replicate", replicateRequest{Snapshot: snap}, nil)
}
