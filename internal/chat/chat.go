package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownChat is returned when a chat token has no row in the
// metadata store.
var ErrUnknownChat = errors.New("unknown chat token")

// Metadata is the chat row loaded from the metadata store on first
// reference to a token.
type Metadata struct {
	ID              int64
	Token           string
	MaxDuration     int64
	MaxParticipants int
	StartTimestamp  float64
	EndTimestamp    float64
}

func nowTimestamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Chat is the in-memory state of a single chat: lifecycle status,
// participants, the timestamp-ordered message list and its parallel
// index structures, plus the signals long-polling readers and loaders
// block on.
//
// All field access is serialized on mu. The stamp-and-insert region in
// appendLocal is the single-writer critical section: it performs no I/O
// so a message's authoritative timestamp and its position in the list
// are assigned atomically with respect to concurrent senders.
type Chat struct {
	token string

	mu              sync.Mutex
	id              int64
	status          Status
	maxDuration     int64
	maxParticipants int
	startTimestamp  float64
	endTimestamp    float64
	users           map[int64]*UserState
	session         map[string]string
	persisted       bool

	messages   []*Message
	timestamps []float64
	messageIDs map[string]struct{}
	lastStamp  float64

	loaded  bool
	loadErr error

	expirationGrace time.Duration

	loadedSignal  *Signal
	messageSignal *Signal
}

// New returns an unloaded chat for token. The caller is expected to
// trigger a metadata load and wait on WaitLoaded before use.
func New(token string, expirationGrace time.Duration) *Chat {
	return &Chat{
		token:           token,
		status:          StatusPending,
		users:           make(map[int64]*UserState),
		session:         make(map[string]string),
		messageIDs:      make(map[string]struct{}),
		expirationGrace: expirationGrace,
		loadedSignal:    NewSignal(),
		messageSignal:   NewSignal(),
	}
}

// Token returns the chat's identifying token.
func (c *Chat) Token() string { return c.token }

// ID returns the numeric database id, zero until loaded.
func (c *Chat) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Status returns the current lifecycle status.
func (c *Chat) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Completed reports whether the chat has ended.
func (c *Chat) Completed() bool {
	return c.Status() == StatusEnded
}

// Persisted reports whether an archive job has been enqueued.
func (c *Chat) Persisted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted
}

// SetPersisted marks the chat archived. The flag never reverts.
func (c *Chat) SetPersisted() {
	c.mu.Lock()
	c.persisted = true
	c.mu.Unlock()
}

// StartTimestamp returns the recorded start time, zero if unset.
func (c *Chat) StartTimestamp() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTimestamp
}

// EndTimestamp returns the recorded end time, zero if unset.
func (c *Chat) EndTimestamp() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTimestamp
}

// Expired reports whether the chat has outlived its window: the end
// time when set, otherwise the start time, plus maxDuration and the
// expiration grace. A chat with neither timestamp never expires.
func (c *Chat) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := c.endTimestamp
	if ref == 0 {
		ref = c.startTimestamp
	}
	if ref == 0 {
		return false
	}
	deadline := ref + float64(c.maxDuration) + c.expirationGrace.Seconds()
	return nowTimestamp() > deadline
}

// TransitionStatus advances the lifecycle. Only PENDING -> STARTED and
// STARTED -> ENDED apply; anything else leaves the state unchanged.
// The matching timestamp field is stamped with at on a transition.
func (c *Chat) TransitionStatus(to Status, at float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.status == StatusPending && to == StatusStarted:
		c.status = StatusStarted
		c.startTimestamp = at
	case c.status == StatusStarted && to == StatusEnded:
		c.status = StatusEnded
		c.endTimestamp = at
	default:
		return false
	}
	return true
}

// UpsertUser records a participant's presence update.
func (c *Chat) UpsertUser(userID int64, status UserStatus, at float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		u = &UserState{UserID: userID, Status: UserDisconnected}
		c.users[userID] = u
	}
	u.Status = status
	u.UpdateTimestamp = at
}

// TouchUser refreshes a participant's update timestamp without
// changing presence, creating the entry when absent.
func (c *Chat) TouchUser(userID int64, at float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		u = &UserState{UserID: userID, Status: UserDisconnected}
		c.users[userID] = u
	}
	u.UpdateTimestamp = at
}

// Users returns a copy of the participant map.
func (c *Chat) Users() map[int64]UserState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]UserState, len(c.users))
	for id, u := range c.users {
		out[id] = *u
	}
	return out
}

// SessionSet stores a plugin scratchpad value.
func (c *Chat) SessionSet(key, value string) {
	c.mu.Lock()
	c.session[key] = value
	c.mu.Unlock()
}

// SessionGet reads a plugin scratchpad value.
func (c *Chat) SessionGet(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.session[key]
	return v, ok
}

// SessionCopy returns a copy of the scratchpad for archiving.
func (c *Chat) SessionCopy() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.session))
	for k, v := range c.session {
		out[k] = v
	}
	return out
}

// HasMessage reports whether a message id is already stored.
func (c *Chat) HasMessage(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.messageIDs[id]
	return ok
}

// MessageCount returns the number of stored messages.
func (c *Chat) MessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// AllMessages returns a copy of the ordered message list.
func (c *Chat) AllMessages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// insertLocked places m at the binary-search position for its
// timestamp, after any equal timestamps. Duplicate ids are dropped.
func (c *Chat) insertLocked(m *Message) bool {
	if m == nil || m.Header == nil || m.Header.ID == "" {
		return false
	}
	if _, dup := c.messageIDs[m.Header.ID]; dup {
		return false
	}
	ts := m.Header.Timestamp
	i := sort.Search(len(c.timestamps), func(i int) bool {
		return c.timestamps[i] > ts
	})
	c.messageIDs[m.Header.ID] = struct{}{}
	c.timestamps = append(c.timestamps, 0)
	copy(c.timestamps[i+1:], c.timestamps[i:])
	c.timestamps[i] = ts
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
	return true
}

// stampLocked assigns the server-controlled header fields: id when
// missing, skew from a client-supplied timestamp, the authoritative
// timestamp, and the default broadcast route. Timestamps are bumped to
// stay strictly increasing per chat even on coarse clocks.
func (c *Chat) stampLocked(m *Message) {
	if m.Header.ID == "" {
		m.Header.ID = NewMessageID()
	}
	ts := nowTimestamp()
	if m.Header.Timestamp != 0 {
		m.Header.Skew = m.Header.Timestamp - ts
	}
	if ts <= c.lastStamp {
		ts = c.lastStamp + 1e-6
	}
	c.lastStamp = ts
	m.Header.Timestamp = ts
	m.Header.ChatToken = c.token
	if m.Header.Route.Type == "" {
		m.Header.Route.Type = RouteBroadcast
	}
}

// AppendMessages inserts already-stamped messages in timestamp order,
// skipping duplicate ids, and pulses message waiters.
func (c *Chat) AppendMessages(msgs []*Message) int {
	c.mu.Lock()
	inserted := 0
	for _, m := range msgs {
		if c.insertLocked(m) {
			inserted++
		}
	}
	c.mu.Unlock()
	c.messageSignal.Pulse()
	return inserted
}

// AppendReplicated is AppendMessages without the pulse: replicas do
// not serve long-polls for chats they do not own.
func (c *Chat) AppendReplicated(msgs []*Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	inserted := 0
	for _, m := range msgs {
		if c.insertLocked(m) {
			inserted++
		}
	}
	return inserted
}

// AppendLocal stamps and inserts locally-accepted messages in a single
// critical section and pulses waiters. Messages whose id is already
// present are skipped untouched. The inserted subset is returned for
// replication.
func (c *Chat) AppendLocal(msgs []*Message) []*Message {
	c.mu.Lock()
	inserted := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Header == nil {
			continue
		}
		if m.Header.ID != "" {
			if _, dup := c.messageIDs[m.Header.ID]; dup {
				continue
			}
		}
		c.stampLocked(m)
		if c.insertLocked(m) {
			inserted = append(inserted, m)
		}
	}
	c.mu.Unlock()
	c.messageSignal.Pulse()
	return inserted
}

// sinceLocked returns messages with timestamp strictly greater than
// asOf, route-filtered for userID. A zero userID applies only the
// NO_ROUTE filter.
func (c *Chat) sinceLocked(asOf float64, userID int64) []*Message {
	i := sort.Search(len(c.timestamps), func(i int) bool {
		return c.timestamps[i] > asOf
	})
	var out []*Message
	for _, m := range c.messages[i:] {
		switch m.Header.Route.Type {
		case RouteNone:
			continue
		case RouteTargeted:
			if userID != 0 && !m.Header.Route.Targets(userID) {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// MessagesSince returns the filtered messages newer than asOf. With
// block set and an empty result, it waits for one pulse of the message
// signal up to timeout, then recomputes once. Timeouts and context
// cancellation yield an empty list, never an error.
func (c *Chat) MessagesSince(ctx context.Context, asOf float64, userID int64, block bool, timeout time.Duration) []*Message {
	// Grab the pulse channel before the first scan so an append that
	// lands in between cannot be missed.
	wait := c.messageSignal.Wait()

	c.mu.Lock()
	msgs := c.sinceLocked(asOf, userID)
	c.mu.Unlock()
	if len(msgs) > 0 || !block {
		return msgs
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	msgs = c.sinceLocked(asOf, userID)
	c.mu.Unlock()
	return msgs
}

// Pulse wakes all message waiters without appending. Used on shutdown
// to drain outstanding long-polls.
func (c *Chat) Pulse() {
	c.messageSignal.Pulse()
}

// Snapshot packages the chat's scalar state with the given message
// subset for replication. FullSnapshot is set when msgs covers the
// entire list.
func (c *Chat) Snapshot(msgs []*Message) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make(map[int64]*UserState, len(c.users))
	for id, u := range c.users {
		cp := *u
		users[id] = &cp
	}
	session := make(map[string]string, len(c.session))
	for k, v := range c.session {
		session[k] = v
	}
	return &Snapshot{
		FullSnapshot: len(msgs) == len(c.messages),
		State: &State{
			Token:           c.token,
			Status:          c.status,
			MaxDuration:     c.maxDuration,
			MaxParticipants: c.maxParticipants,
			StartTimestamp:  c.startTimestamp,
			EndTimestamp:    c.endTimestamp,
			Users:           users,
			Session:         session,
			Persisted:       c.persisted,
			Messages:        msgs,
		},
	}
}

// MergeSnapshot applies a peer snapshot: scalar fields are overwritten
// without regressing status or persisted, and the snapshot messages are
// inserted without pulsing. Applying the same snapshot twice is a
// no-op, which makes inbound replication idempotent.
func (c *Chat) MergeSnapshot(st *State) {
	if st == nil {
		return
	}
	c.mu.Lock()
	if statusRank(st.Status) > statusRank(c.status) {
		c.status = st.Status
	}
	if st.StartTimestamp != 0 {
		c.startTimestamp = st.StartTimestamp
	}
	if st.EndTimestamp != 0 {
		c.endTimestamp = st.EndTimestamp
	}
	if st.Users != nil {
		users := make(map[int64]*UserState, len(st.Users))
		for id, u := range st.Users {
			cp := *u
			users[id] = &cp
		}
		c.users = users
	}
	if st.Session != nil {
		session := make(map[string]string, len(st.Session))
		for k, v := range st.Session {
			session[k] = v
		}
		c.session = session
	}
	if st.Persisted {
		c.persisted = true
	}
	for _, m := range st.Messages {
		c.insertLocked(m)
	}
	c.mu.Unlock()
}

func statusRank(s Status) int {
	switch s {
	case StatusStarted:
		return 1
	case StatusEnded:
		return 2
	default:
		return 0
	}
}

// completeLoad installs the loaded metadata and releases waiters.
func (c *Chat) completeLoad(meta Metadata) {
	c.mu.Lock()
	c.id = meta.ID
	c.maxDuration = meta.MaxDuration
	c.maxParticipants = meta.MaxParticipants
	if meta.StartTimestamp != 0 {
		c.startTimestamp = meta.StartTimestamp
		if c.status == StatusPending {
			c.status = StatusStarted
		}
	}
	if meta.EndTimestamp != 0 {
		c.endTimestamp = meta.EndTimestamp
		c.status = StatusEnded
	}
	c.loaded = true
	c.mu.Unlock()
	c.loadedSignal.Pulse()
}

// failLoad records a load failure and releases waiters. The manager
// drops the placeholder so a later Get retries.
func (c *Chat) failLoad(err error) {
	c.mu.Lock()
	c.loadErr = err
	c.mu.Unlock()
	c.loadedSignal.Pulse()
}

// Loaded reports whether metadata has been installed.
func (c *Chat) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// WaitLoaded blocks until the metadata load completes, failing with
// the load error or the context error.
func (c *Chat) WaitLoaded(ctx context.Context) error {
	for {
		wait := c.loadedSignal.Wait()
		c.mu.Lock()
		loaded, err := c.loaded, c.loadErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if loaded {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
