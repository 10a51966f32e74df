package clock

import (
	"fmt"
	"time"
)

// DefaultZone is the zone retry timestamps are rendered in unless configured
// otherwise.
const DefaultZone = "Europe/London"

// LoadZone resolves an IANA zone name. An empty name resolves DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("clock: load zone %q: %w", name, err)
	}
	return loc, nil
}

// NowIn returns c.Now() expressed in loc.
func NowIn(c Clock, loc *time.Location) time.Time {
	now := Or(c).Now()
	if loc == nil {
		return now
	}
	return now.In(loc)
}
