package spatial

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a Tracker.
type State int

const (
	Idle State = iota
	Tracking
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrInvalidTransition is returned when an action is not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid tracker transition")

// Fix is one instantaneous geolocation sample.
type Fix struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	// Speed in m/s as reported by the device, nil when unknown.
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
}

// TrackPoint is a single accepted point of the local route.
type TrackPoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"ts"`
}

// Snapshot is a copy of the tracker's accumulated state.
type Snapshot struct {
	State    State
	Started  time.Time
	Elapsed  time.Duration
	Distance float64 // meters
	Speed    float64 // km/h
	Path     []TrackPoint
}

// Tracker accumulates the local route of a single client.
//
// Elapsed time only advances while Tracking: a pause freezes both the distance
// and the clock.
type Tracker struct {
	mu       sync.Mutex
	state    State
	points   []TrackPoint
	distance float64
	speed    float64
	started  time.Time
	resumed  time.Time
	elapsed  time.Duration // accumulated before the current tracking leg
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Start begins a new run, discarding anything accumulated before.
func (t *Tracker) Start(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Idle {
		return fmt.Errorf("start while %s: %w", t.state, ErrInvalidTransition)
	}

	t.reset()
	t.state = Tracking
	t.started = now
	t.resumed = now
	return nil
}

// Pause stops accepting fixes and freezes the clock.
func (t *Tracker) Pause(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Tracking {
		return fmt.Errorf("pause while %s: %w", t.state, ErrInvalidTransition)
	}

	t.elapsed += now.Sub(t.resumed)
	t.state = Paused
	return nil
}

// Resume continues a paused run without touching accumulated state.
func (t *Tracker) Resume(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Paused {
		return fmt.Errorf("resume while %s: %w", t.state, ErrInvalidTransition)
	}

	t.resumed = now
	t.state = Tracking
	return nil
}

// Stop ends the run and resets the tracker to Idle. It returns the state as it
// was just before the reset so callers can keep a summary of the run.
func (t *Tracker) Stop(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.snapshot(now)
	t.reset()
	return last
}

// Fix feeds one geolocation sample. It reports whether the fix was accepted;
// fixes outside the Tracking state are ignored.
func (t *Tracker) Fix(f Fix) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Tracking {
		return false
	}

	if len(t.points) > 0 {
		last := t.points[len(t.points)-1]
		t.distance += Haversine(Point{last.Lat, last.Lng}, Point{f.Lat, f.Lng})
	}

	t.speed = SpeedKMH(f.Speed)
	t.points = append(t.points, TrackPoint{
		Lat:       f.Lat,
		Lng:       f.Lng,
		Timestamp: f.Timestamp,
	})
	return true
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Distance returns the cumulative distance in meters.
func (t *Tracker) Distance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distance
}

// Elapsed returns the tracked time at now.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedAt(now)
}

// Snapshot returns a copy of the accumulated state at now.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(now)
}

// Last returns the most recent accepted point.
func (t *Tracker) Last() (TrackPoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.points) == 0 {
		return TrackPoint{}, false
	}
	return t.points[len(t.points)-1], true
}

func (t *Tracker) snapshot(now time.Time) Snapshot {
	path := make([]TrackPoint, len(t.points))
	copy(path, t.points)

	return Snapshot{
		State:    t.state,
		Started:  t.started,
		Elapsed:  t.elapsedAt(now),
		Distance: t.distance,
		Speed:    t.speed,
		Path:     path,
	}
}

func (t *Tracker) elapsedAt(now time.Time) time.Duration {
	switch t.state {
	case Tracking:
		return t.elapsed + now.Sub(t.resumed)
	case Paused:
		return t.elapsed
	}
	return 0
}

func (t *Tracker) reset() {
	t.state = Idle
	t.points = nil
	t.distance = 0
	t.speed = 0
	t.started = time.Time{}
	t.resumed = time.Time{}
	t.elapsed = 0
}

// FormatElapsed renders d as HH:MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
