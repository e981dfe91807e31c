// Package race is the authoritative in-memory registry of live races.
//
// A race is addressed by a short shareable code. All state is ephemeral: races
// only live in the owning process and are reclaimed by the sweeper once they
// outlive the configured TTL.
//
// Every mutation of a race happens under that race's own lock and the resulting
// event is handed to the Publisher before the lock is released, so subscribers
// see events in exactly the order the mutations were applied. Races never share
// a lock with each other.
package race

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("race not found")
	ErrNotMember         = errors.New("participant has not joined the race")
	ErrResourceExhausted = errors.New("could not allocate a free race code")
)

// Participant is a tracked user of a race.
type Participant struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Joined time.Time `json:"joined"`
}

// Position is the latest sample reported by a participant.
type Position struct {
	ID        string    `json:"id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     float64   `json:"speed"`    // km/h
	Distance  float64   `json:"distance"` // meters
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a copy of a race's full state.
type Snapshot struct {
	ID           string                 `json:"id"`
	Created      time.Time              `json:"created"`
	Updated      time.Time              `json:"updated"`
	Participants map[string]Participant `json:"participants"`
	Positions    map[string]Position    `json:"positions"`
	Spectators   []string               `json:"spectators"`
}

// Summary describes a race without its member maps.
type Summary struct {
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	Participants int       `json:"participants"`
	Spectators   int       `json:"spectators"`
}

// EventType names a registry change. The values double as the wire message types.
type EventType string

const (
	ParticipantsChanged EventType = "participantsUpdate"
	PositionsChanged    EventType = "positionUpdate"
	Closed              EventType = "raceClosed"
)

// Event is emitted after every successful mutation. Maps are private copies.
type Event struct {
	Type         EventType
	RaceID       string
	Participants map[string]Participant
	Positions    map[string]Position
}

// Publisher receives registry events. Publish is called while the race is
// locked and must not block or call back into the registry.
type Publisher interface {
	Publish(ev Event)
}

// Registry is the contract the transport layer depends on.
type Registry interface {
	CreateSession(ownerID, ownerName string) (string, error)
	JoinSession(raceID, participantID, name string) error
	SpectateSession(raceID, participantID string) error
	LeaveSession(raceID, participantID string) error
	ReportPosition(raceID, participantID string, lat, lng, speed, distance float64) error
	ListParticipants(raceID string) (map[string]Participant, error)
	ListPositions(raceID string) (map[string]Position, error)
	Session(raceID string) (Snapshot, error)
	ListSessions() []Summary

	// Observe runs fn with a snapshot of the race while it is locked. Every
	// event published after fn returns reflects a later state than the
	// snapshot, so a subscriber attached inside fn never sees stale data
	// after fresh data. fn must not call back into the registry.
	Observe(raceID string, fn func(Snapshot)) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
