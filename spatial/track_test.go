package spatial

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func speed(v float64) *float64 { return &v }

func TestHaversineIdentityAndSymmetry(t *testing.T) {
	zocalo := Point{19.4326, -99.1332}
	angel := Point{19.4270, -99.1677}

	require.Equal(t, 0.0, Haversine(zocalo, zocalo))
	require.InDelta(t, Haversine(zocalo, angel), Haversine(angel, zocalo), 1e-9)

	// roughly 3.7 km across central Mexico City
	d := Haversine(zocalo, angel)
	require.Greater(t, d, 3500.0)
	require.Less(t, d, 3900.0)
}

func TestHaversineOneDegreeOfLatitude(t *testing.T) {
	d := Haversine(Point{0, 0}, Point{1, 0})
	require.InEpsilon(t, EarthRadius*3.141592653589793/180, d, 1e-9)
}

func TestHaversineAntipodal(t *testing.T) {
	half := math.Pi * EarthRadius
	for lat := -89.0; lat <= 89.0; lat += 0.37 {
		for lng := -179.0; lng <= 0; lng += 1.3 {
			d := Haversine(Point{lat, lng}, Point{-lat, lng + 180})
			require.False(t, math.IsNaN(d), "lat %v lng %v", lat, lng)
			require.InEpsilon(t, half, d, 1e-6)
		}
	}

	tr := NewTracker()
	require.NoError(t, tr.Start(time.Now()))
	tr.Fix(Fix{Lat: -86.78, Lng: -179})
	tr.Fix(Fix{Lat: 86.78, Lng: 1})
	require.InEpsilon(t, half, tr.Distance(), 1e-6)
}

func TestTrackerAccumulatesDistance(t *testing.T) {
	now := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	fixes := []Fix{
		{Lat: 19.4326, Lng: -99.1332},
		{Lat: 19.4700, Lng: -99.1332},
		{Lat: 19.4700, Lng: -99.1800},
	}

	tr := NewTracker()
	require.NoError(t, tr.Start(now))
	for _, f := range fixes {
		require.True(t, tr.Fix(f))
	}

	want := Haversine(Point{fixes[0].Lat, fixes[0].Lng}, Point{fixes[1].Lat, fixes[1].Lng}) +
		Haversine(Point{fixes[1].Lat, fixes[1].Lng}, Point{fixes[2].Lat, fixes[2].Lng})

	require.InEpsilon(t, want, tr.Distance(), 1e-6)
	require.Greater(t, tr.Distance(), 8000.0)
	require.Len(t, tr.Snapshot(now).Path, 3)
}

func TestTrackerSpeed(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Start(time.Now()))

	tr.Fix(Fix{Lat: 1, Lng: 1, Speed: speed(5)})
	require.InDelta(t, 18.0, tr.Snapshot(time.Now()).Speed, 1e-9)

	tr.Fix(Fix{Lat: 1, Lng: 1.0001})
	require.Equal(t, 0.0, tr.Snapshot(time.Now()).Speed)

	// -1 is how some devices flag an invalid reading
	tr.Fix(Fix{Lat: 1, Lng: 1.0002, Speed: speed(-1)})
	require.Equal(t, 0.0, tr.Snapshot(time.Now()).Speed)

	tr.Fix(Fix{Lat: 1, Lng: 1.0003, Speed: speed(math.Inf(1))})
	require.Equal(t, 0.0, tr.Snapshot(time.Now()).Speed)
}

func TestTrackerPauseResume(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

	tr := NewTracker()
	require.NoError(t, tr.Start(t0))
	tr.Fix(Fix{Lat: 19.4326, Lng: -99.1332})
	tr.Fix(Fix{Lat: 19.4330, Lng: -99.1332})

	before := tr.Snapshot(t0.Add(10 * time.Second))

	require.NoError(t, tr.Pause(t0.Add(10*time.Second)))
	require.False(t, tr.Fix(Fix{Lat: 20, Lng: -99}))
	require.NoError(t, tr.Resume(t0.Add(10*time.Second)))

	after := tr.Snapshot(t0.Add(10 * time.Second))
	require.Equal(t, before.Distance, after.Distance)
	require.Equal(t, before.Path, after.Path)
	require.Equal(t, Tracking, after.State)
}

func TestTrackerElapsedFreezesWhilePaused(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

	tr := NewTracker()
	require.NoError(t, tr.Start(t0))
	require.Equal(t, 30*time.Second, tr.Elapsed(t0.Add(30*time.Second)))

	require.NoError(t, tr.Pause(t0.Add(30*time.Second)))
	require.Equal(t, 30*time.Second, tr.Elapsed(t0.Add(5*time.Minute)))

	require.NoError(t, tr.Resume(t0.Add(5*time.Minute)))
	require.Equal(t, 40*time.Second, tr.Elapsed(t0.Add(5*time.Minute+10*time.Second)))
}

func TestTrackerStopResets(t *testing.T) {
	for _, pause := range []bool{false, true} {
		tr := NewTracker()
		now := time.Now()
		require.NoError(t, tr.Start(now))
		tr.Fix(Fix{Lat: 1, Lng: 1})
		tr.Fix(Fix{Lat: 1.01, Lng: 1})
		if pause {
			require.NoError(t, tr.Pause(now))
		}

		last := tr.Stop(now)
		require.Greater(t, last.Distance, 0.0)
		require.Len(t, last.Path, 2)

		snap := tr.Snapshot(now)
		require.Equal(t, Idle, snap.State)
		require.Equal(t, 0.0, snap.Distance)
		require.Empty(t, snap.Path)
		require.Equal(t, time.Duration(0), snap.Elapsed)
	}

	// stopping an idle tracker is a harmless reset
	tr := NewTracker()
	tr.Stop(time.Now())
	require.Equal(t, Idle, tr.State())
}

func TestTrackerInvalidTransitions(t *testing.T) {
	tr := NewTracker()
	require.ErrorIs(t, tr.Pause(time.Now()), ErrInvalidTransition)
	require.ErrorIs(t, tr.Resume(time.Now()), ErrInvalidTransition)
	require.False(t, tr.Fix(Fix{Lat: 1, Lng: 1}))

	require.NoError(t, tr.Start(time.Now()))
	require.ErrorIs(t, tr.Start(time.Now()), ErrInvalidTransition)
	require.ErrorIs(t, tr.Resume(time.Now()), ErrInvalidTransition)
}

func TestFormatElapsed(t *testing.T) {
	require.Equal(t, "00:00:00", FormatElapsed(0))
	require.Equal(t, "00:01:05", FormatElapsed(65*time.Second))
	require.Equal(t, "26:03:09", FormatElapsed(26*time.Hour+3*time.Minute+9*time.Second+400*time.Millisecond))
}
