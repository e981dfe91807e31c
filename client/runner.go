package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"carrera.app/server"
	"carrera.app/spatial"
)

// LoadFixes reads one JSON fix per line, e.g. {"lat":19.43,"lng":-99.13,"speed":3.2}.
// Blank lines and lines starting with # are skipped.
func LoadFixes(r io.Reader) ([]spatial.Fix, error) {
	var fixes []spatial.Fix

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var f spatial.Fix
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if f.Lat < -90 || f.Lat > 90 || f.Lng < -180 || f.Lng > 180 {
			return nil, fmt.Errorf("line %d: coordinate out of range", line)
		}
		fixes = append(fixes, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return fixes, nil
}

// Report builds the updatePosition payload for the tracker state in snap. It
// reports false when nothing has been tracked yet.
func Report(raceID, userID string, snap spatial.Snapshot) (server.UpdatePosition, bool) {
	if len(snap.Path) == 0 {
		return server.UpdatePosition{}, false
	}
	last := snap.Path[len(snap.Path)-1]
	lat, lng := last.Lat, last.Lng

	return server.UpdatePosition{
		RaceID:   raceID,
		UserID:   userID,
		Lat:      &lat,
		Lng:      &lng,
		Speed:    snap.Speed,
		Distance: snap.Distance,
	}, true
}

// Runner feeds recorded fixes into a Tracker, one per tick, and reports the
// result to the race after every accepted fix.
type Runner struct {
	client   *Client
	raceID   string
	userID   string
	interval time.Duration
	tracker  *spatial.Tracker
	log      *zap.Logger

	// OnEvent is called for every message received while running.
	OnEvent func(server.Envelope)
}

// NewRunner returns a runner reporting as userID in raceID.
func NewRunner(c *Client, raceID, userID string, interval time.Duration, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		client:   c,
		raceID:   raceID,
		userID:   userID,
		interval: interval,
		tracker:  spatial.NewTracker(),
		log:      log,
	}
}

// Tracker returns the local tracker.
func (r *Runner) Tracker() *spatial.Tracker {
	return r.tracker
}

// Run replays fixes until they are exhausted, ctx is done or the connection
// drops. It returns the tracker state at the end of the run.
func (r *Runner) Run(ctx context.Context, fixes []spatial.Fix) (spatial.Snapshot, error) {
	if err := r.tracker.Start(time.Now()); err != nil {
		return spatial.Snapshot{}, err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	events := r.client.Events()
	next := 0

	for {
		select {
		case <-ctx.Done():
			return r.tracker.Stop(time.Now()), ctx.Err()

		case env, ok := <-events:
			if !ok {
				return r.tracker.Stop(time.Now()), ErrClosed
			}
			if env.Type == server.TypeError {
				// rejected reports are logged, tracking goes on
				r.log.Warn("server rejected update", zap.Error(remoteError(env)))
			}
			if r.OnEvent != nil {
				r.OnEvent(env)
			}

		case now := <-ticker.C:
			if next >= len(fixes) {
				return r.tracker.Stop(now), nil
			}

			f := fixes[next]
			next++
			if f.Timestamp.IsZero() {
				f.Timestamp = now
			}
			if !r.tracker.Fix(f) {
				continue
			}

			snap := r.tracker.Snapshot(now)
			up, ok := Report(r.raceID, r.userID, snap)
			if !ok {
				continue
			}
			if err := r.client.Send(server.TypeUpdatePosition, up); err != nil {
				return r.tracker.Stop(now), fmt.Errorf("send position: %w", err)
			}

			r.log.Debug("position sent",
				zap.Int("fix", next),
				zap.Float64("distance", snap.Distance),
				zap.Float64("speed", snap.Speed),
				zap.String("elapsed", spatial.FormatElapsed(snap.Elapsed)))
		}
	}
}
