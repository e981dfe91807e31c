package race

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCodeRetries bounds how many codes CreateSession tries before giving up.
const DefaultCodeRetries = 16

type session struct {
	mu           sync.Mutex
	id           string
	created      time.Time
	updated      time.Time
	participants map[string]Participant
	positions    map[string]Position
	spectators   map[string]struct{}
	closed       bool
}

func (s *session) participantsCopy() map[string]Participant {
	out := make(map[string]Participant, len(s.participants))
	for k, v := range s.participants {
		out[k] = v
	}
	return out
}

func (s *session) positionsCopy() map[string]Position {
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

func (s *session) summary() Summary {
	return Summary{
		ID:           s.id,
		Created:      s.created,
		Updated:      s.updated,
		Participants: len(s.participants),
		Spectators:   len(s.spectators),
	}
}

// Sessions is the in-memory Registry.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*session

	pub     Publisher
	policy  atomic.Pointer[Policy]
	newCode func() (string, error)
	retries int
	now     func() time.Time
	log     *zap.Logger
}

// Option configures Sessions.
type Option func(*Sessions)

// WithPublisher sets the receiver of registry events.
func WithPublisher(p Publisher) Option {
	return func(s *Sessions) { s.pub = p }
}

// WithPolicy sets the initial expiry policy.
func WithPolicy(p Policy) Option {
	return func(s *Sessions) { s.policy.Store(&p) }
}

// WithCodes replaces the race code generator.
func WithCodes(gen func() (string, error)) Option {
	return func(s *Sessions) { s.newCode = gen }
}

// WithCodeLength uses random codes of n characters.
func WithCodeLength(n int) Option {
	return func(s *Sessions) {
		s.newCode = func() (string, error) { return NewCode(n) }
	}
}

// WithRetries sets the code allocation retry budget.
func WithRetries(n int) Option {
	return func(s *Sessions) { s.retries = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sessions) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sessions) { s.log = l }
}

// New returns an empty registry.
func New(opts ...Option) *Sessions {
	s := &Sessions{
		sessions: make(map[string]*session),
		pub:      nopPublisher{},
		retries:  DefaultCodeRetries,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	s.newCode = func() (string, error) { return NewCode(DefaultCodeLength) }
	p := DefaultPolicy()
	s.policy.Store(&p)

	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the current expiry policy.
func (r *Sessions) Policy() Policy {
	return *r.policy.Load()
}

// SetPolicy swaps the expiry policy; it applies to the next lookup or sweep.
func (r *Sessions) SetPolicy(p Policy) {
	r.policy.Store(&p)
}

func (r *Sessions) lookup(id string) (*session, error) {
	id = Normalize(id)

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("race %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// with runs fn on the race while holding its lock. Expired races are reported
// as missing even before the sweeper reclaims them.
func (r *Sessions) with(id string, fn func(s *session, now time.Time) error) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	if s.closed || r.Policy().Expired(s.created, s.updated, now) {
		return fmt.Errorf("race %q: %w", s.id, ErrNotFound)
	}
	return fn(s, now)
}

func (r *Sessions) publishParticipants(s *session) {
	r.pub.Publish(Event{
		Type:         ParticipantsChanged,
		RaceID:       s.id,
		Participants: s.participantsCopy(),
	})
}

// CreateSession allocates a fresh code and registers the owner as first participant.
func (r *Sessions) CreateSession(ownerID, ownerName string) (string, error) {
	for i := 0; i < r.retries; i++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("generate race code: %w", err)
		}
		code = Normalize(code)

		now := r.now()
		s := &session{
			id:           code,
			created:      now,
			updated:      now,
			participants: map[string]Participant{ownerID: {ID: ownerID, Name: ownerName, Joined: now}},
			positions:    make(map[string]Position),
			spectators:   make(map[string]struct{}),
		}

		r.mu.Lock()
		if old, ok := r.sessions[code]; ok && !r.retire(old, now) {
			r.mu.Unlock()
			r.log.Debug("race code collision", zap.String("race", code), zap.Int("attempt", i+1))
			continue
		}
		// lock before the race becomes visible so the first event is also the first delivered
		s.mu.Lock()
		r.sessions[code] = s
		r.mu.Unlock()

		r.publishParticipants(s)
		s.mu.Unlock()

		r.log.Info("race created", zap.String("race", code), zap.String("owner", ownerID))
		return code, nil
	}

	return "", fmt.Errorf("after %d attempts: %w", r.retries, ErrResourceExhausted)
}

// retire closes an expired race that the sweeper has not reclaimed yet so its
// code can be reused. It must be called with r.mu held and reports whether the
// code is free.
func (r *Sessions) retire(s *session, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	if !r.Policy().Expired(s.created, s.updated, now) {
		return false
	}
	s.closed = true
	r.pub.Publish(Event{Type: Closed, RaceID: s.id})
	return true
}

// JoinSession adds or renames a participant.
func (r *Sessions) JoinSession(raceID, participantID, name string) error {
	return r.with(raceID, func(s *session, now time.Time) error {
		p, ok := s.participants[participantID]
		if !ok {
			p = Participant{ID: participantID, Joined: now}
		}
		p.Name = name
		s.participants[participantID] = p
		s.updated = now

		r.publishParticipants(s)
		return nil
	})
}

// SpectateSession adds a spectator. Spectators never get a participant entry.
func (r *Sessions) SpectateSession(raceID, participantID string) error {
	return r.with(raceID, func(s *session, now time.Time) error {
		s.spectators[participantID] = struct{}{}
		s.updated = now

		r.publishParticipants(s)
		return nil
	})
}

// LeaveSession drops every trace of a participant. Unknown races and
// participants are a no-op.
func (r *Sessions) LeaveSession(raceID, participantID string) error {
	err := r.with(raceID, func(s *session, now time.Time) error {
		_, isParticipant := s.participants[participantID]
		_, isSpectator := s.spectators[participantID]
		if !isParticipant && !isSpectator {
			return nil
		}

		delete(s.participants, participantID)
		delete(s.positions, participantID)
		delete(s.spectators, participantID)
		s.updated = now

		r.publishParticipants(s)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ReportPosition overwrites the participant's latest sample and publishes the
// whole position map of the race.
func (r *Sessions) ReportPosition(raceID, participantID string, lat, lng, speed, distance float64) error {
	return r.with(raceID, func(s *session, now time.Time) error {
		if _, ok := s.participants[participantID]; !ok {
			return fmt.Errorf("race %q, participant %q: %w", s.id, participantID, ErrNotMember)
		}

		s.positions[participantID] = Position{
			ID:        participantID,
			Lat:       lat,
			Lng:       lng,
			Speed:     speed,
			Distance:  distance,
			Timestamp: now,
		}
		s.updated = now

		r.pub.Publish(Event{
			Type:      PositionsChanged,
			RaceID:    s.id,
			Positions: s.positionsCopy(),
		})
		return nil
	})
}

// ListParticipants returns a copy of the participant map.
func (r *Sessions) ListParticipants(raceID string) (map[string]Participant, error) {
	var out map[string]Participant
	err := r.with(raceID, func(s *session, _ time.Time) error {
		out = s.participantsCopy()
		return nil
	})
	return out, err
}

// ListPositions returns a copy of the position map.
func (r *Sessions) ListPositions(raceID string) (map[string]Position, error) {
	var out map[string]Position
	err := r.with(raceID, func(s *session, _ time.Time) error {
		out = s.positionsCopy()
		return nil
	})
	return out, err
}

func (s *session) snapshot() Snapshot {
	spectators := make([]string, 0, len(s.spectators))
	for id := range s.spectators {
		spectators = append(spectators, id)
	}
	sort.Strings(spectators)

	return Snapshot{
		ID:           s.id,
		Created:      s.created,
		Updated:      s.updated,
		Participants: s.participantsCopy(),
		Positions:    s.positionsCopy(),
		Spectators:   spectators,
	}
}

// Session returns a full copy of one race.
func (r *Sessions) Session(raceID string) (Snapshot, error) {
	var out Snapshot
	err := r.with(raceID, func(s *session, _ time.Time) error {
		out = s.snapshot()
		return nil
	})
	return out, err
}

// Observe implements Registry.
func (r *Sessions) Observe(raceID string, fn func(Snapshot)) error {
	return r.with(raceID, func(s *session, _ time.Time) error {
		fn(s.snapshot())
		return nil
	})
}

// ListSessions summarizes every live race, oldest first.
func (r *Sessions) ListSessions() []Summary {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	now := r.now()
	policy := r.Policy()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed && !policy.Expired(s.created, s.updated, now) {
			out = append(out, s.summary())
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of races held in memory, expired or not.
func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DeleteSession removes a race and tells its members. It reports whether the
// race existed.
func (r *Sessions) DeleteSession(raceID string) bool {
	id := Normalize(raceID)

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	r.pub.Publish(Event{Type: Closed, RaceID: s.id})
	return true
}

// Sweep deletes every race the current policy considers expired at now and
// returns their codes.
func (r *Sessions) Sweep(now time.Time) []string {
	policy := r.Policy()

	r.mu.RLock()
	candidates := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var deleted []string
	for _, s := range candidates {
		if r.evict(s, policy, now) {
			r.log.Info("race evicted",
				zap.String("race", s.id),
				zap.String("policy", string(policy.Eviction)),
				zap.Duration("ttl", policy.TTL))
			deleted = append(deleted, s.id)
		}
	}
	sort.Strings(deleted)
	return deleted
}

// evict removes s if it is still the race registered under its code and is
// expired under policy.
func (r *Sessions) evict(s *session, policy Policy, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.id] != s {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed && !policy.Expired(s.created, s.updated, now) {
		return false
	}
	delete(r.sessions, s.id)
	if s.closed {
		return false
	}
	s.closed = true
	r.pub.Publish(Event{Type: Closed, RaceID: s.id})
	return true
}
