package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/cronexpr"
)

// Interval is a half-open occupancy window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect. Touching at
// a boundary does not count.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// ParseCron validates a cron expression and returns its compiled form.
func ParseCron(expr string) (*cronexpr.Expression, error) {
	e, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return e, nil
}

// firingIter walks a job's occupancy intervals in ascending order. It
// yields every firing t of the job with
//
//	max(validity.start, window.start) <= t < window.end
//	t + length <= validity.end
//
// Callers that care about occupancies reaching into the window from
// before it widen window.start themselves. Exhausted iterators report
// ok=false from Next.
type firingIter struct {
	job  *Job
	expr *cronexpr.Expression
	end  time.Time // enumeration stops at firings >= end
	cur  time.Time
	done bool
}

func newFiringIter(j *Job, window Validity) (*firingIter, error) {
	from := window.Start
	if j.Validity.Start.After(from) {
		from = j.Validity.Start
	}
	it := &firingIter{job: j, end: window.End}

	switch j.Kind {
	case JobAtq:
		it.cur = j.At
		it.done = j.At.Before(from) || !it.fits(j.At)
	case JobCron:
		expr, err := ParseCron(j.Schedule)
		if err != nil {
			return nil, err
		}
		it.expr = expr
		// Next() is strictly-after, so back off one second to include a
		// firing landing exactly on the window start.
		it.cur = expr.Next(from.Add(-time.Second))
		it.done = !it.fits(it.cur)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	return it, nil
}

// fits reports whether a firing at t is inside both the enumeration window
// and the job's validity.
func (it *firingIter) fits(t time.Time) bool {
	if t.IsZero() || !t.Before(it.end) {
		return false
	}
	return !t.Add(it.job.Length()).After(it.job.Validity.End)
}

// Next returns the next occupancy interval, or ok=false when exhausted.
func (it *firingIter) Next() (Interval, bool) {
	if it.done {
		return Interval{}, false
	}
	iv := Interval{Start: it.cur, End: it.cur.Add(it.job.Length())}
	if it.job.Kind == JobAtq {
		it.done = true
	} else {
		it.cur = it.expr.Next(it.cur)
		it.done = !it.fits(it.cur)
	}
	return iv, true
}

// Firings enumerates every occupancy interval of the job whose firing
// falls inside the window (clipped to the job's validity).
func Firings(j *Job, window Validity) ([]Interval, error) {
	it, err := newFiringIter(j, window)
	if err != nil {
		return nil, err
	}
	var out []Interval
	for {
		iv, ok := it.Next()
		if !ok {
			return out, nil
		}
		out = append(out, iv)
	}
}

// FindConflict walks the firing sequences of the candidate and an existing
// job in lockstep inside the intersection of their validity windows and
// returns the first overlapping pair. The walk is finite because both
// windows are finite, and short-circuits on the first overlap. The
// returned conflict names the existing job and its offending firing
// instant.
func FindConflict(candidate, existing *Job) (*ConflictError, error) {
	window, ok := candidate.Validity.Intersect(existing.Validity)
	if !ok {
		return nil, nil
	}
	// Widen backwards by both lengths so occupancies that begin before the
	// intersection but reach into it are still walked.
	window.Start = window.Start.Add(-candidate.Length() - existing.Length())

	ci, err := newFiringIter(candidate, window)
	if err != nil {
		return nil, err
	}
	ei, err := newFiringIter(existing, window)
	if err != nil {
		return nil, err
	}

	a, aok := ci.Next()
	b, bok := ei.Next()
	for aok && bok {
		if a.Overlaps(b) {
			return &ConflictError{JobID: existing.ID, Instant: b.Start}, nil
		}
		// Advance whichever interval ends first; ties advance both.
		switch {
		case a.End.Before(b.End):
			a, aok = ci.Next()
		case b.End.Before(a.End):
			b, bok = ei.Next()
		default:
			a, aok = ci.Next()
			b, bok = ei.Next()
		}
	}
	return nil, nil
}

// CheckAdmission runs the admission check: the candidate's occupancy set
// must not intersect any admitted overhead job's occupancy on the same or
// paired node. Non-overhead candidates are admitted unconditionally. The
// existing slice is expected to already be filtered to the candidate's
// target nodes.
func CheckAdmission(candidate *Job, existing []*Job) error {
	if !candidate.Overhead {
		return nil
	}
	for _, e := range existing {
		if e.ID == candidate.ID || !e.Overhead {
			continue
		}
		conflict, err := FindConflict(candidate, e)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}
	}
	return nil
}

// NearestFreeSlot finds the earliest instant t >= after inside the job's
// original validity such that the shifted occupancy [t, t+length) clears
// every overhead occupancy of the existing jobs. Only meaningful for ATQ
// jobs; cron jobs are rejected with ErrUnsupported.
func NearestFreeSlot(j *Job, after time.Time, existing []*Job) (time.Time, error) {
	if j.Kind != JobAtq {
		return time.Time{}, ErrUnsupported
	}
	t := after
	if t.Before(j.Validity.Start) {
		t = j.Validity.Start
	}
	length := j.Length()
	if t.Add(length).After(j.Validity.End) {
		return time.Time{}, ErrNoSlot
	}

	// Collect busy intervals that can still matter. The window reaches
	// back by each job's own length so occupancies already underway at t
	// are included.
	var busy []Interval
	for _, e := range existing {
		if e.ID == j.ID || !e.Overhead {
			continue
		}
		window := Validity{Start: t.Add(-e.Length()), End: j.Validity.End}
		ivs, err := Firings(e, window)
		if err != nil {
			return time.Time{}, err
		}
		busy = append(busy, ivs...)
	}
	busy = mergeIntervals(busy)

	for _, b := range busy {
		cand := Interval{Start: t, End: t.Add(length)}
		if cand.Overlaps(b) {
			t = b.End
			if t.Add(length).After(j.Validity.End) {
				return time.Time{}, ErrNoSlot
			}
		}
	}
	return t, nil
}

// mergeIntervals sorts by start and coalesces overlapping intervals so a
// single forward sweep over the result is sufficient.
func mergeIntervals(ivs []Interval) []Interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(a, b int) bool { return ivs[a].Start.Before(ivs[b].Start) })
	out := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
