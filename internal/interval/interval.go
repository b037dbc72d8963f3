// Package interval implements busy-interval merging and greedy free-slot
// search. All functions are pure: times are UTC instants with millisecond
// precision, and every interval is half-open [Start, End).
package interval

import (
	"sort"
	"time"
)

// Interval is a half-open busy interval annotated with the accounts that
// contribute to it. For cross-user scheduling the account set carries
// synthetic group ids instead of real account ids.
type Interval struct {
	Start    time.Time
	End      time.Time
	Accounts []string
}

// Normalize truncates an instant to UTC millisecond precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NewInterval builds a normalized interval.
func NewInterval(start, end time.Time, accounts ...string) Interval {
	return Interval{
		Start:    Normalize(start),
		End:      Normalize(end),
		Accounts: dedupeSorted(accounts),
	}
}

// Duration returns the interval length.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Contains reports whether the instant falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// touchesAny reports whether any of the interval's accounts appear in the
// given set. An empty set matches everything.
func (iv Interval) touchesAny(accounts map[string]struct{}) bool {
	if len(accounts) == 0 {
		return true
	}
	for _, a := range iv.Accounts {
		if _, ok := accounts[a]; ok {
			return true
		}
	}
	return false
}

// MergeOverlapping coalesces overlapping and adjacent intervals into a
// disjoint, sorted list. Contributing account sets are unioned. The result
// is independent of input order and merging an already-merged list is a
// no-op.
func MergeOverlapping(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.End.After(iv.Start) {
			continue // empty or inverted, contributes nothing
		}
		sorted = append(sorted, NewInterval(iv.Start, iv.End, iv.Accounts...))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		// Adjacent intervals merge too: [a,b) + [b,c) = [a,c).
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			last.Accounts = dedupeSorted(append(last.Accounts, iv.Accounts...))
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// AllDayInterval returns the busy interval for an all-day event on the UTC
// day containing t: [00:00 UTC, 00:00 UTC next day).
func AllDayInterval(t time.Time, accounts ...string) Interval {
	day := time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return NewInterval(day, day.AddDate(0, 0, 1), accounts...)
}

func dedupeSorted(accounts []string) []string {
	if len(accounts) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(accounts))
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
