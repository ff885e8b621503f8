package services

import "time"

// Clock supplies "now" and clamps device timestamps that drift further than
// MaxSkew from it. A zero MaxSkew accepts any timestamp.
type Clock struct {
	Now     func() time.Time
	MaxSkew time.Duration
}

func (c Clock) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// EventTime returns ts when it was supplied and within the skew window, else now.
func (c Clock) EventTime(ts time.Time, ok bool) time.Time {
	now := c.now()
	if !ok {
		return now
	}
	if c.MaxSkew > 0 && (ts.Before(now.Add(-c.MaxSkew)) || ts.After(now.Add(c.MaxSkew))) {
		return now
	}
	return ts.UTC()
}
