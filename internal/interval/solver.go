package interval

import (
	"fmt"
	"sort"
	"time"
)

// DefaultMaxCandidates is the number of candidates returned when the caller
// does not ask for a specific K.
const DefaultMaxCandidates = 5

// candidateStep is the granularity at which candidate starts are generated
// inside a free gap.
const candidateStep = 30 * time.Minute

// WorkingHours describes a user's preferred working window as UTC
// minutes-of-day. A zero value means no preference.
type WorkingHours struct {
	StartMinute int
	EndMinute   int
}

func (w WorkingHours) isSet() bool {
	return w.EndMinute > w.StartMinute
}

// SearchParams are the inputs for a greedy free-slot search.
type SearchParams struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Duration    time.Duration

	// Busy intervals; only those touching RequiredAccounts are hard blocks.
	Busy []Interval

	// RequiredAccounts restricts which busy intervals block a slot. Empty
	// means every busy interval is a hard block.
	RequiredAccounts []string

	// MaxCandidates caps the result; 0 means DefaultMaxCandidates.
	MaxCandidates int

	WorkingHours WorkingHours

	// PreferenceWeight biases the score; keyed by the hour-of-day (UTC) of
	// the candidate start. Missing keys contribute a neutral 0.5.
	PreferenceWeight map[int]float64
}

// Candidate is a scored free slot.
type Candidate struct {
	Start       time.Time
	End         time.Time
	Score       float64
	Explanation string
}

// FindCandidates runs a greedy search over the merged hard blocks and
// returns up to K candidates ranked by score, ties broken by earliest start.
func FindCandidates(p SearchParams) ([]Candidate, error) {
	start := Normalize(p.WindowStart)
	end := Normalize(p.WindowEnd)
	if !end.After(start) {
		return nil, fmt.Errorf("window end %s is not after start %s", end, start)
	}
	if p.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", p.Duration)
	}

	k := p.MaxCandidates
	if k <= 0 {
		k = DefaultMaxCandidates
	}

	required := make(map[string]struct{}, len(p.RequiredAccounts))
	for _, a := range p.RequiredAccounts {
		required[a] = struct{}{}
	}

	var hard []Interval
	for _, iv := range p.Busy {
		if iv.touchesAny(required) {
			hard = append(hard, iv)
		}
	}
	blocks := MergeOverlapping(hard)

	var candidates []Candidate
	cursor := start
	for _, block := range blocks {
		if block.End.Before(start) || block.Start.After(end) {
			continue
		}
		gapEnd := block.Start
		if gapEnd.After(end) {
			gapEnd = end
		}
		candidates = append(candidates, candidatesInGap(p, cursor, gapEnd, start, end)...)
		if block.End.After(cursor) {
			cursor = block.End
		}
	}
	if cursor.Before(end) {
		candidates = append(candidates, candidatesInGap(p, cursor, end, start, end)...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Start.Before(candidates[j].Start)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// candidatesInGap slides a Duration-sized slot through [gapStart, gapEnd) at
// candidateStep granularity.
func candidatesInGap(p SearchParams, gapStart, gapEnd, windowStart, windowEnd time.Time) []Candidate {
	var out []Candidate
	for slotStart := gapStart; !slotStart.Add(p.Duration).After(gapEnd); slotStart = slotStart.Add(candidateStep) {
		slotEnd := slotStart.Add(p.Duration)
		score, why := scoreSlot(p, slotStart, slotEnd, windowStart, windowEnd)
		out = append(out, Candidate{
			Start:       slotStart,
			End:         slotEnd,
			Score:       score,
			Explanation: why,
		})
	}
	return out
}

// scoreSlot composes working-hours compliance, distance from the window
// edges, and the user's hour preference into a single score in [0,1].
func scoreSlot(p SearchParams, slotStart, slotEnd, windowStart, windowEnd time.Time) (float64, string) {
	hours := workingHoursShare(p.WorkingHours, slotStart, slotEnd)
	edges := edgeDistanceShare(slotStart, slotEnd, windowStart, windowEnd)
	pref := 0.5
	if p.PreferenceWeight != nil {
		if w, ok := p.PreferenceWeight[slotStart.UTC().Hour()]; ok {
			pref = clamp01(w)
		}
	}

	score := 0.6*hours + 0.25*edges + 0.15*pref
	why := fmt.Sprintf("working_hours=%.2f edge_distance=%.2f preference=%.2f", hours, edges, pref)
	return score, why
}

// workingHoursShare returns the fraction of the slot inside working hours,
// or 1.0 when no working hours are configured.
func workingHoursShare(w WorkingHours, slotStart, slotEnd time.Time) float64 {
	if !w.isSet() {
		return 1.0
	}
	total := slotEnd.Sub(slotStart)
	if total <= 0 {
		return 0
	}
	var inside time.Duration
	for t := slotStart; t.Before(slotEnd); t = t.Add(time.Minute) {
		minute := t.UTC().Hour()*60 + t.UTC().Minute()
		if minute >= w.StartMinute && minute < w.EndMinute {
			inside += time.Minute
		}
	}
	return float64(inside) / float64(total)
}

// edgeDistanceShare rewards slots that keep clearance from both window
// edges, normalized against half the window.
func edgeDistanceShare(slotStart, slotEnd, windowStart, windowEnd time.Time) float64 {
	half := windowEnd.Sub(windowStart) / 2
	if half <= 0 {
		return 0
	}
	fromStart := slotStart.Sub(windowStart)
	fromEnd := windowEnd.Sub(slotEnd)
	min := fromStart
	if fromEnd < min {
		min = fromEnd
	}
	if min < 0 {
		min = 0
	}
	return clamp01(float64(min) / float64(half))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
