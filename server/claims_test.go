package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimsOwnership(t *testing.T) {
	c := newClaims()

	require.NoError(t, c.with("R1", func(owners map[string]string) error {
		owners["u1"] = "old"
		return nil
	}))
	require.NoError(t, c.with("R1", func(owners map[string]string) error {
		owners["u1"] = "fresh"
		return nil
	}))
	require.Equal(t, "fresh", c.owner("R1", "u1"))
	require.Empty(t, c.owner("R2", "u1"))

	boom := errors.New("boom")
	require.ErrorIs(t, c.with("R1", func(map[string]string) error { return boom }), boom)

	require.NoError(t, c.with("R1", func(owners map[string]string) error {
		delete(owners, "u1")
		return nil
	}))
	require.Empty(t, c.races)
}

func TestClaimsSerializePerRace(t *testing.T) {
	c := newClaims()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.with("R1", func(owners map[string]string) error { //nolint:errcheck
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.Empty(t, c.races)
}
