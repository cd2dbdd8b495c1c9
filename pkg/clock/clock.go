// Package clock implements the business-day calculator of spec.md §4.1
// (C1): region-to-timezone resolution, business-day arithmetic, business
// window membership, and the "next send instant" used by the chaser loop.
package clock

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// regionZones maps the case-insensitive region shortcuts of spec.md §4.1 to
// IANA zone ids. Arbitrary IANA ids pass through unchanged; unknown input
// falls back to UTC.
var regionZones = map[string]string{
	"AMER":      "America/Chicago",
	"AMERICAS":  "America/Chicago",
	"NA":        "America/Chicago",
	"EMEA":      "Europe/London",
	"EU":        "Europe/London",
	"APAC":      "Asia/Singapore",
	"APJ":       "Asia/Singapore",
	"AUS":       "Australia/Sydney",
	"NZ":        "Pacific/Auckland",
	"NZL":       "Pacific/Auckland",
	"AUCKLAND":  "Pacific/Auckland",
	"WELLINGTON": "Pacific/Auckland",
	"NEW ZEALAND": "Pacific/Auckland",
}

// UnknownRegionWarner is invoked (at most once per unknown region per
// Calculator) when a region resolves to UTC because it matched neither the
// shortcut table nor a loadable IANA zone id.
type UnknownRegionWarner func(region string)

// Calculator resolves regions to zones and performs business-day
// arithmetic. It caches *time.Location lookups in an LRU so repeated
// NextBusinessDayAtHourUtc/IsWithinWindow calls for the same region don't
// re-parse the tzdata for every candidate in a tick.
type Calculator struct {
	locations *lru.Cache[string, *time.Location]
	warn      UnknownRegionWarner
	warned    map[string]bool
}

// NewCalculator builds a Calculator with a zone cache sized for the set of
// regions a deployment is realistically expected to use concurrently.
func NewCalculator(warn UnknownRegionWarner) *Calculator {
	cache, _ := lru.New[string, *time.Location](64)
	if warn == nil {
		warn = func(string) {}
	}
	return &Calculator{locations: cache, warn: warn, warned: map[string]bool{}}
}

// resolveLocation maps region to a *time.Location, falling back to UTC for
// anything that neither matches the shortcut table nor loads as an IANA id.
func (c *Calculator) resolveLocation(region string) *time.Location {
	key := strings.TrimSpace(region)
	if key == "" {
		key = "UTC"
	}

	if loc, ok := c.locations.Get(key); ok {
		return loc
	}

	zoneName := key
	if mapped, ok := regionZones[strings.ToUpper(key)]; ok {
		zoneName = mapped
	}

	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		if !c.warned[key] {
			c.warned[key] = true
			c.warn(region)
		}
		loc = time.UTC
	}

	c.locations.Add(key, loc)
	return loc
}

// AddBusinessDays adds n business days to t in UTC, skipping Saturday and
// Sunday. Negative n moves backward. AddBusinessDays(t, 0) == t.
func AddBusinessDays(t time.Time, n int) time.Time {
	t = t.UTC()
	if n == 0 {
		return t
	}

	step := 1
	if n < 0 {
		step = -1
		n = -n
	}

	for n > 0 {
		t = t.AddDate(0, 0, step)
		if t.Weekday() != time.Saturday && t.Weekday() != time.Sunday {
			n--
		}
	}
	return t
}

// NextBusinessDayAtHourUtc resolves region to a zone, converts fromUtc to
// local time, moves forward one calendar day (always strictly in the
// future), skips to the next Mon-Fri, sets the local clock to
// sendHourLocal:00:00, and returns the UTC instant. sendHourLocal is
// clamped to [0,23].
func (c *Calculator) NextBusinessDayAtHourUtc(region string, sendHourLocal int, fromUtc time.Time) time.Time {
	if sendHourLocal < 0 {
		sendHourLocal = 0
	}
	if sendHourLocal > 23 {
		sendHourLocal = 23
	}

	loc := c.resolveLocation(region)
	local := fromUtc.In(loc).AddDate(0, 0, 1)

	for local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		local = local.AddDate(0, 0, 1)
	}

	next := time.Date(local.Year(), local.Month(), local.Day(), sendHourLocal, 0, 0, 0, loc)
	return next.UTC()
}

// IsWithinWindow reports whether nowUtc falls inside the Mon-Fri
// [startHourLocal, endHourLocal) business window for region. cushionHours
// is reserved for narrowing the window in the future (spec.md §4.1); this
// implementation accepts it but ignores it.
func (c *Calculator) IsWithinWindow(region string, startHourLocal, endHourLocal, cushionHours int, nowUtc time.Time) bool {
	_ = cushionHours

	loc := c.resolveLocation(region)
	local := nowUtc.In(loc)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}

	hour := local.Hour()
	return hour >= startHourLocal && hour < endHourLocal
}
