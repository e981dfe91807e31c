package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carrera.app/race"
)

func newSub(id string, size int) *subscriber {
	return &subscriber{id: id, send: make(chan []byte, size)}
}

func recv(t *testing.T, s *subscriber) Envelope {
	t.Helper()
	select {
	case b := <-s.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		return env
	default:
		t.Fatalf("nothing queued for %s", s.id)
	}
	return Envelope{}
}

func TestHubPublish(t *testing.T) {
	h := NewHub(NewStats(), zap.NewNop())
	a, b, other := newSub("a", 4), newSub("b", 4), newSub("c", 4)
	h.Subscribe("AB12CD", a)
	h.Subscribe("AB12CD", b)
	h.Subscribe("ZZZZZZ", other)

	h.Publish(race.Event{
		Type:   race.PositionsChanged,
		RaceID: "AB12CD",
		Positions: map[string]race.Position{
			"u1": {ID: "u1", Lat: 1, Lng: 2, Distance: 30},
		},
	})

	for _, s := range []*subscriber{a, b} {
		env := recv(t, s)
		require.Equal(t, TypePositionUpdate, env.Type)

		var pu PositionUpdate
		require.NoError(t, json.Unmarshal(env.Data, &pu))
		require.Equal(t, "AB12CD", pu.RaceID)
		require.Equal(t, 30.0, pu.Positions["u1"].Distance)
	}
	require.Empty(t, other.send)

	st := h.stats.Snapshot()
	require.EqualValues(t, 1, st.Published)
	require.EqualValues(t, 2, st.Delivered)
}

func TestHubRelayExclude(t *testing.T) {
	h := NewHub(nil, nil)
	a, b := newSub("a", 1), newSub("b", 1)
	h.Subscribe("R1", a)
	h.Subscribe("R1", b)

	h.Relay("R1", "a", TypePlayerLeft, PlayerEvent{ID: "a"})
	require.Empty(t, a.send)
	env := recv(t, b)
	require.Equal(t, TypePlayerLeft, env.Type)
	require.JSONEq(t, `{"id":"a"}`, string(env.Data))
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub(NewStats(), nil)
	slow := newSub("slow", 1)
	h.Subscribe("R1", slow)

	h.Relay("R1", "", TypePlayerLeft, PlayerEvent{ID: "x"})
	h.Relay("R1", "", TypePlayerLeft, PlayerEvent{ID: "y"})

	env := recv(t, slow)
	require.JSONEq(t, `{"id":"x"}`, string(env.Data))
	require.Empty(t, slow.send)

	st := h.stats.Snapshot()
	require.EqualValues(t, 1, st.Delivered)
	require.EqualValues(t, 1, st.Dropped)
}

func TestHubOrderWithinRace(t *testing.T) {
	h := NewHub(nil, nil)
	s := newSub("a", 16)
	h.Subscribe("R1", s)

	for i := 0; i < 10; i++ {
		h.Publish(race.Event{
			Type:      race.PositionsChanged,
			RaceID:    "R1",
			Positions: map[string]race.Position{"u": {Distance: float64(i)}},
		})
	}
	for i := 0; i < 10; i++ {
		var pu PositionUpdate
		require.NoError(t, json.Unmarshal(recv(t, s).Data, &pu))
		require.Equal(t, float64(i), pu.Positions["u"].Distance)
	}
}

func TestHubClosed(t *testing.T) {
	h := NewHub(nil, nil)
	s := newSub("a", 4)
	h.Subscribe("R1", s)
	require.Equal(t, 1, h.Subscribers("R1"))

	h.Publish(race.Event{Type: race.Closed, RaceID: "R1"})
	env := recv(t, s)
	require.Equal(t, TypeRaceClosed, env.Type)
	require.JSONEq(t, `{"raceId":"R1"}`, string(env.Data))
	require.Equal(t, 0, h.Subscribers("R1"))

	h.Unsubscribe("R1", "a")
	h.Subscribe("R1", s)
	h.Unsubscribe("R1", "a")
	require.Equal(t, 0, h.Subscribers("R1"))
}
