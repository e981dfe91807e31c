package server

import "sync"

// claims records which connection last joined each (race, user) pair. A user
// who reconnects is owned by the new connection, and the old one must not
// remove it from the race when it finally closes.
//
// Each race has its own lock, held across the registry call that changes
// membership, so a join and a stale disconnect for the same race cannot
// interleave. Races never wait on each other.
type claims struct {
	mu    sync.Mutex
	races map[string]*claimSet
}

type claimSet struct {
	mu     sync.Mutex
	refs   int               // guarded by claims.mu
	owners map[string]string // user -> conn, guarded by mu
}

func newClaims() *claims {
	return &claims{races: make(map[string]*claimSet)}
}

// with runs fn holding the lock of raceID's claims.
func (c *claims) with(raceID string, fn func(owners map[string]string) error) error {
	c.mu.Lock()
	cs, ok := c.races[raceID]
	if !ok {
		cs = &claimSet{owners: make(map[string]string)}
		c.races[raceID] = cs
	}
	cs.refs++
	c.mu.Unlock()

	cs.mu.Lock()
	err := fn(cs.owners)
	cs.mu.Unlock()

	c.mu.Lock()
	cs.refs--
	// refs is zero, so nobody else can be inside cs.mu
	if cs.refs == 0 && len(cs.owners) == 0 {
		delete(c.races, raceID)
	}
	c.mu.Unlock()

	return err
}

// owner returns the connection currently owning user in raceID.
func (c *claims) owner(raceID, user string) string {
	var conn string
	c.with(raceID, func(owners map[string]string) error { //nolint:errcheck
		conn = owners[user]
		return nil
	})
	return conn
}
