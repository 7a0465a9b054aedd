// Package hashring implements the consistent hashring that assigns
// chat ownership. Each peer occupies several random 128-bit positions;
// the owners of a chat token are found by hashing the token and
// walking the ring clockwise. Views are immutable: every membership
// change builds a fresh sorted slice, so lookups never take a lock.
package hashring

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Node identifies one peer instance. ServiceKey is stable for the
// lifetime of the process and survives position changes.
type Node struct {
	ServiceKey  string `json:"serviceKey"`
	ServiceName string `json:"serviceName"`
	Hostname    string `json:"hostname"`
	FQDN        string `json:"fqdn"`
	Address     string `json:"serviceAddress"`
	Port        int    `json:"port"`
}

// Position is one ring slot: a 32-char lowercase hex token and the
// node occupying it. Hex-lexicographic token order equals numeric
// order of the underlying 128-bit value.
type Position struct {
	Token string `json:"token"`
	Node  Node   `json:"node"`
}

// View is an immutable, sorted snapshot of the ring.
type View []Position

// Event carries the ring views around a membership change.
type Event struct {
	Previous View
	Current  View
}

// Observer receives membership-change events. Observers run on the
// mutating goroutine; panics are recovered per-observer.
type Observer func(Event)

// HashToken maps a chat token onto the ring: MD5 as 32 lowercase hex
// chars.
func HashToken(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RandomPosition returns a fresh random ring position token.
func RandomPosition() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; an MD5 of
		// whatever we got keeps the token well formed regardless.
		return HashToken(string(b[:]))
	}
	return hex.EncodeToString(b[:])
}

// Ring is the membership view plus its observers. Mutations serialize
// on mu; lookups read the current view through an atomic pointer.
type Ring struct {
	mu        sync.Mutex
	view      atomic.Pointer[View]
	observers []Observer
	logger    zerolog.Logger
}

// New returns an empty ring.
func New(logger zerolog.Logger) *Ring {
	r := &Ring{logger: logger.With().Str("component", "hashring").Logger()}
	empty := View{}
	r.view.Store(&empty)
	return r
}

// Current returns the current ring view.
func (r *Ring) Current() View {
	return *r.view.Load()
}

// Subscribe registers an observer for membership changes.
func (r *Ring) Subscribe(obs Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, obs)
	r.mu.Unlock()
}

// Register installs node at the given positions, replacing any
// positions it previously held, and notifies observers when the view
// changed.
func (r *Ring) Register(node Node, positions []string) {
	r.mutate(func(v View) View {
		out := make(View, 0, len(v)+len(positions))
		for _, p := range v {
			if p.Node.ServiceKey != node.ServiceKey {
				out = append(out, p)
			}
		}
		for _, tok := range positions {
			out = append(out, Position{Token: tok, Node: node})
		}
		return out
	})
}

// Unregister removes every position held by serviceKey.
func (r *Ring) Unregister(serviceKey string) {
	r.mutate(func(v View) View {
		out := make(View, 0, len(v))
		for _, p := range v {
			if p.Node.ServiceKey != serviceKey {
				out = append(out, p)
			}
		}
		return out
	})
}

func (r *Ring) mutate(f func(View) View) {
	r.mu.Lock()
	prev := *r.view.Load()
	next := f(prev)
	sort.Slice(next, func(i, j int) bool {
		if next[i].Token != next[j].Token {
			return next[i].Token < next[j].Token
		}
		return next[i].Node.ServiceKey < next[j].Node.ServiceKey
	})
	if viewsEqual(prev, next) {
		r.mu.Unlock()
		return
	}
	r.view.Store(&next)
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	ev := Event{Previous: prev, Current: next}
	for _, obs := range observers {
		r.notify(obs, ev)
	}
}

// notify runs one observer, isolating its failures from the rest.
func (r *Ring) notify(obs Observer, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic_value", rec).
				Msg("hashring observer panicked")
		}
	}()
	obs(ev)
}

func viewsEqual(a, b View) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PreferenceList returns the ordered owners for a chat token under the
// current view, deduplicated by serviceKey. An empty ring yields an
// empty list.
func (r *Ring) PreferenceList(token string) []Node {
	return PreferenceListIn(r.Current(), token, false)
}

// PreferenceListIn walks view clockwise from hash(token), emitting each
// distinct peer once. With dedupByHost set, additional peers on an
// already-emitted hostname are skipped as well, so replicas land on
// distinct machines.
func PreferenceListIn(view View, token string, dedupByHost bool) []Node {
	if len(view) == 0 {
		return nil
	}
	hashed := HashToken(token)
	start := sort.Search(len(view), func(i int) bool {
		return view[i].Token > hashed
	})

	seenKeys := make(map[string]struct{})
	seenHosts := make(map[string]struct{})
	var out []Node
	for i := 0; i < len(view); i++ {
		p := view[(start+i)%len(view)]
		if _, ok := seenKeys[p.Node.ServiceKey]; ok {
			continue
		}
		if dedupByHost {
			if _, ok := seenHosts[p.Node.Hostname]; ok {
				continue
			}
		}
		seenKeys[p.Node.ServiceKey] = struct{}{}
		seenHosts[p.Node.Hostname] = struct{}{}
		out = append(out, p.Node)
	}
	return out
}

// Peers returns the distinct peer count in view.
func Peers(view View) int {
	seen := make(map[string]struct{}, len(view))
	for _, p := range view {
		seen[p.Node.ServiceKey] = struct{}{}
	}
	return len(seen)
}
