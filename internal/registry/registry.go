// Package registry owns the process-wide session table: session
// lifecycle, per-direction bindings, transcript fan-out to
// subscribers, and the idle-session reaper. All other components hold
// borrowed session handles whose validity ends at teardown.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tkellem/callscribe/internal/observe"
)

var (
	// ErrAlreadyBound is returned when the same session direction is
	// opened twice.
	ErrAlreadyBound = errors.New("registry: direction already bound")

	// ErrUnknownSession is returned for operations on a session id that
	// is not in the table.
	ErrUnknownSession = errors.New("registry: unknown session")
)

// Speaker is one audio side of a call.
type Speaker string

const (
	SpeakerTechnician Speaker = "technician"
	SpeakerAgent      Speaker = "agent"
)

// IsValid reports whether s is a recognised speaker role.
func (s Speaker) IsValid() bool {
	return s == SpeakerTechnician || s == SpeakerAgent
}

// Transcript is one transcription result, interim or final.
type Transcript struct {
	SessionID   string
	Speaker     Speaker
	Text        string
	Language    string
	Confidence  *float64
	IsFinal     bool
	StartOffset float64
	Duration    float64
	Timestamp   time.Time

	// Seq is the per-direction final counter. Interim results carry the
	// sequence of the final they will become.
	Seq uint64
}

// Filter selects which transcripts a subscriber receives.
type Filter struct {
	// Speakers limits delivery to the listed roles. Empty means all.
	Speakers []Speaker

	// Interim also delivers non-final results.
	Interim bool
}

func (f Filter) matches(t Transcript) bool {
	if !t.IsFinal && !f.Interim {
		return false
	}
	if len(f.Speakers) == 0 {
		return true
	}
	for _, s := range f.Speakers {
		if s == t.Speaker {
			return true
		}
	}
	return false
}

// subscriberQueueDepth bounds each subscriber's outbound queue. On
// overflow the oldest queued transcript is dropped.
const subscriberQueueDepth = 64

// Subscription is one attached push sink. Receive transcripts from C;
// Ended is closed when the session terminates, after which Reason
// reports why.
type Subscription struct {
	ID     uuid.UUID
	C      chan Transcript
	Ended  chan struct{}
	filter Filter

	endOnce sync.Once
	reason  string
	drops   atomic.Uint64
}

// Reason reports the session termination reason once Ended is closed.
func (s *Subscription) Reason() string { return s.reason }

// Drops reports how many transcripts were discarded because this
// subscriber's queue was full.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

func (s *Subscription) end(reason string) {
	s.endOnce.Do(func() {
		s.reason = reason
		close(s.Ended)
	})
}

// push enqueues without blocking, dropping the oldest entry on a full
// queue. Only the session's publish path calls it.
func (s *Subscription) push(t Transcript) {
	for {
		select {
		case s.C <- t:
			return
		default:
		}
		select {
		case <-s.C:
			s.drops.Add(1)
		default:
		}
	}
}

// Stats is a non-blocking snapshot of a session's counters.
type Stats struct {
	SessionID      string
	StreamID       string
	Started        time.Time
	ChunksReceived uint64
	Segments       uint64
	Transcripts    uint64
	Subscribers    int
	Directions     []Speaker
}

type direction struct {
	onClose func(reason string)
	closed  bool
}

// Session is one live call. The registry exclusively owns it; holders
// of a *Session must not retain it past teardown.
type Session struct {
	ID      string
	Started time.Time

	mu          sync.Mutex
	streamID    string
	directions  map[Speaker]*direction
	subscribers map[uuid.UUID]*Subscription
	ended       bool

	lastActivity atomic.Int64 // unix nanos
	chunks       atomic.Uint64
	segments     atomic.Uint64
	transcripts  atomic.Uint64
}

// SetStreamID records the provider-assigned stream identifier.
func (s *Session) SetStreamID(id string) {
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
}

// Touch marks the session as active, deferring the idle reaper.
func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// AddChunk, AddSegment and AddTranscript bump the snapshot counters.
func (s *Session) AddChunk()      { s.chunks.Add(1) }
func (s *Session) AddSegment()    { s.segments.Add(1) }
func (s *Session) AddTranscript() { s.transcripts.Add(1) }

// Publish fans t out to every subscriber whose filter matches. The
// subscriber list is copied under the session lock and delivery
// happens outside it; a full subscriber queue drops that subscriber's
// oldest entry, never stalling the session.
func (s *Session) Publish(t Transcript) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.filter.matches(t) {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(t)
	}
}

// Registry is the session table. The zero value is not usable; call New.
type Registry struct {
	log         *slog.Logger
	idleTimeout time.Duration
	metrics     *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns an empty registry. idleTimeout force-closes sessions
// that receive no media; zero disables the reaper. metrics may be nil
// in tests.
func New(idleTimeout time.Duration, metrics *observe.Metrics, log *slog.Logger) *Registry {
	return &Registry{
		log:         log,
		idleTimeout: idleTimeout,
		metrics:     metrics,
		sessions:    make(map[string]*Session),
	}
}

func (r *Registry) addActiveSessions(delta int64) {
	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), delta)
	}
}

// Open binds a direction, creating the session on first use. onClose
// runs exactly once when the direction is detached, with the
// termination reason; it must tear down the direction's pipeline.
func (r *Registry) Open(sessionID string, speaker Speaker, onClose func(reason string)) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &Session{
			ID:          sessionID,
			Started:     time.Now(),
			directions:  make(map[Speaker]*direction),
			subscribers: make(map[uuid.UUID]*Subscription),
		}
		s.Touch()
		r.sessions[sessionID] = s
		r.addActiveSessions(1)
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, ErrUnknownSession
	}
	if _, dup := s.directions[speaker]; dup {
		return nil, ErrAlreadyBound
	}
	s.directions[speaker] = &direction{onClose: onClose}
	r.log.Info("direction opened", "session_id", sessionID, "speaker", string(speaker))
	return s, nil
}

// Close detaches one direction. When the last direction detaches the
// session is removed, subscribers are notified with reason, and the
// entry disappears from the table. Closing an unknown or already
// closed direction is a no-op.
func (r *Registry) Close(sessionID string, speaker Speaker, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	d, ok := s.directions[speaker]
	if !ok || d.closed {
		s.mu.Unlock()
		return
	}
	d.closed = true
	remaining := 0
	for _, dd := range s.directions {
		if !dd.closed {
			remaining++
		}
	}
	s.mu.Unlock()

	if d.onClose != nil {
		d.onClose(reason)
	}
	r.log.Info("direction closed",
		"session_id", sessionID, "speaker", string(speaker), "reason", reason)

	if remaining == 0 {
		r.remove(sessionID, reason)
	}
}

// CloseSession detaches every direction and removes the session.
func (r *Registry) CloseSession(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	speakers := make([]Speaker, 0, len(s.directions))
	for sp, d := range s.directions {
		if !d.closed {
			speakers = append(speakers, sp)
		}
	}
	s.mu.Unlock()

	for _, sp := range speakers {
		r.Close(sessionID, sp, reason)
	}
	// A session with no live directions still needs removing.
	if len(speakers) == 0 {
		r.remove(sessionID, reason)
	}
}

func (r *Registry) remove(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.addActiveSessions(-1)

	s.mu.Lock()
	s.ended = true
	subs := make([]*Subscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[uuid.UUID]*Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(reason)
	}
	r.log.Info("session removed", "session_id", sessionID, "reason", reason)
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	return s, ok
}

// Subscribe attaches a push sink to a live session.
func (r *Registry) Subscribe(sessionID string, f Filter) (*Subscription, error) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	sub := &Subscription{
		ID:     uuid.New(),
		C:      make(chan Transcript, subscriberQueueDepth),
		Ended:  make(chan struct{}),
		filter: f,
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	s.subscribers[sub.ID] = sub
	s.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches a sink; the session continues.
func (r *Registry) Unsubscribe(sessionID string, id uuid.UUID) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, id)
	s.mu.Unlock()
}

// Snapshot returns the session's counters without blocking its
// pipeline.
func (r *Registry) Snapshot(sessionID string) (Stats, error) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return Stats{}, ErrUnknownSession
	}
	s.mu.Lock()
	st := Stats{
		SessionID:   s.ID,
		StreamID:    s.streamID,
		Started:     s.Started,
		Subscribers: len(s.subscribers),
	}
	for sp, d := range s.directions {
		if !d.closed {
			st.Directions = append(st.Directions, sp)
		}
	}
	s.mu.Unlock()
	st.ChunksReceived = s.chunks.Load()
	st.Segments = s.segments.Load()
	st.Transcripts = s.transcripts.Load()
	return st, nil
}

// SessionIDs lists the live sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	return ids
}

// Run drives the idle reaper until ctx is cancelled, then force-closes
// every remaining session with reason "server_shutdown".
func (r *Registry) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.idleTimeout > 0 {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			for _, id := range r.SessionIDs() {
				r.CloseSession(id, "server_shutdown")
			}
			return ctx.Err()
		case <-tick:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.idleTimeout).UnixNano()
	for _, id := range r.SessionIDs() {
		s, ok := r.Lookup(id)
		if !ok {
			continue
		}
		if s.lastActivity.Load() < cutoff {
			r.log.Warn("closing idle session", "session_id", id)
			r.CloseSession(id, "idle_timeout")
		}
	}
}
