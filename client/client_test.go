package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carrera.app/config"
	"carrera.app/race"
	"carrera.app/server"
	"carrera.app/spatial"
)

func startServer(t *testing.T) (string, *race.Sessions) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	stats := server.NewStats()
	hub := server.NewHub(stats, log)
	reg := race.New(race.WithPublisher(hub))
	srv := server.New(reg, hub, stats, config.Default(), log)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", reg
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoadFixes(t *testing.T) {
	in := `# morning loop
{"lat":19.4326,"lng":-99.1332,"speed":2.5}

{"lat":19.4330,"lng":-99.1332}
`
	fixes, err := LoadFixes(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	require.Equal(t, 2.5, *fixes[0].Speed)
	require.Nil(t, fixes[1].Speed)

	_, err = LoadFixes(strings.NewReader(`{"lat":1,"lng":2}` + "\n" + `{"lat":`))
	require.ErrorContains(t, err, "line 2")

	_, err = LoadFixes(strings.NewReader(`{"lat":95,"lng":2}`))
	require.Error(t, err)
}

func TestReport(t *testing.T) {
	_, ok := Report("AB12CD", "u1", spatial.Snapshot{})
	require.False(t, ok)

	up, ok := Report("AB12CD", "u1", spatial.Snapshot{
		Distance: 120,
		Speed:    9,
		Path:     []spatial.TrackPoint{{Lat: 1, Lng: 2}, {Lat: 3, Lng: 4}},
	})
	require.True(t, ok)
	require.Equal(t, 3.0, *up.Lat)
	require.Equal(t, 4.0, *up.Lng)
	require.Equal(t, 120.0, up.Distance)
	require.Equal(t, 9.0, up.Speed)
}

func TestClientRace(t *testing.T) {
	url, reg := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner := dial(t, url)
	code, err := owner.Create(ctx, "u0", "Owner")
	require.NoError(t, err)
	require.Len(t, code, race.DefaultCodeLength)

	runner := dial(t, url)
	require.NoError(t, runner.Join(ctx, strings.ToLower(code), "u1", "Ana"))

	viewer := dial(t, url)
	require.NoError(t, viewer.Spectate(ctx, code, "s1"))

	speed := 3.0
	fixes := []spatial.Fix{
		{Lat: 19.4326, Lng: -99.1332, Speed: &speed},
		{Lat: 19.4336, Lng: -99.1332, Speed: &speed},
		{Lat: 19.4336, Lng: -99.1322},
	}
	want := spatial.Haversine(spatial.Point{Lat: 19.4326, Lng: -99.1332}, spatial.Point{Lat: 19.4336, Lng: -99.1332}) +
		spatial.Haversine(spatial.Point{Lat: 19.4336, Lng: -99.1332}, spatial.Point{Lat: 19.4336, Lng: -99.1322})

	r := NewRunner(runner, code, "u1", 10*time.Millisecond, nil)
	snap, err := r.Run(ctx, fixes)
	require.NoError(t, err)
	require.InEpsilon(t, want, snap.Distance, 1e-6)
	require.Equal(t, spatial.Idle, r.Tracker().State())

	// the viewer sees the final report
	for {
		env, err := viewer.Await(ctx, server.TypePositionUpdate)
		require.NoError(t, err)

		var pu server.PositionUpdate
		require.NoError(t, json.Unmarshal(env.Data, &pu))
		if p, ok := pu.Positions["u1"]; ok && p.Lng == -99.1322 {
			require.InEpsilon(t, want, p.Distance, 1e-6)
			require.Equal(t, 0.0, p.Speed)
			break
		}
	}

	require.NoError(t, runner.Leave(ctx, code, "u1"))
	ps, err := reg.ListParticipants(code)
	require.NoError(t, err)
	require.NotContains(t, ps, "u1")
}

func TestClientErrors(t *testing.T) {
	url, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, url)
	err := c.Join(ctx, "ZZZZZZ", "u1", "Ana")

	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, "not_found", re.Code)

	require.NoError(t, c.Close())
	_, err = c.Await(ctx, server.TypeRaceJoined)
	require.ErrorIs(t, err, ErrClosed)
}
