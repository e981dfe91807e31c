package race

import (
	"fmt"
	"time"
)

// Eviction selects which timestamp the TTL is measured from.
type Eviction string

const (
	// EvictByCreation destroys a race TTL after it was created, however busy it is.
	EvictByCreation Eviction = "creation"
	// EvictByActivity destroys a race TTL after its last mutation.
	EvictByActivity Eviction = "activity"
)

const DefaultTTL = 24 * time.Hour

// Policy decides when a race has expired.
type Policy struct {
	Eviction Eviction
	TTL      time.Duration
}

// DefaultPolicy is the reference behavior: 24 hours from creation.
func DefaultPolicy() Policy {
	return Policy{Eviction: EvictByCreation, TTL: DefaultTTL}
}

// ParseEviction validates an eviction mode name.
func ParseEviction(s string) (Eviction, error) {
	switch e := Eviction(s); e {
	case EvictByCreation, EvictByActivity:
		return e, nil
	case "":
		return EvictByCreation, nil
	}
	return "", fmt.Errorf("unknown eviction mode %q", s)
}

// Expired reports whether a race with the given timestamps is past its TTL at now.
func (p Policy) Expired(created, updated, now time.Time) bool {
	if p.TTL <= 0 {
		return false
	}
	from := created
	if p.Eviction == EvictByActivity {
		from = updated
	}
	return now.Sub(from) > p.TTL
}
