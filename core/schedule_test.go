package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func cronJob(id, schedule string, start, end string, lengthSecs int64) *Job {
	return &Job{
		ID:         id,
		NodeID:     "n1",
		OwnerID:    "u1",
		Kind:       JobCron,
		Schedule:   schedule,
		Validity:   Validity{Start: ts(start), End: ts(end)},
		LengthSecs: lengthSecs,
		Overhead:   true,
		Params:     JobParams{Execute: "leotest/experiment:latest"},
	}
}

func atqJob(id string, at string, end string, lengthSecs int64) *Job {
	return &Job{
		ID:         id,
		NodeID:     "n1",
		OwnerID:    "u1",
		Kind:       JobAtq,
		At:         ts(at),
		Validity:   Validity{Start: ts(at), End: ts(end)},
		LengthSecs: lengthSecs,
		Overhead:   true,
		Params:     JobParams{Execute: "leotest/experiment:latest"},
	}
}

func TestIntervalOverlapHalfOpen(t *testing.T) {
	a := Interval{Start: ts("2024-01-01T00:10:00Z"), End: ts("2024-01-01T00:15:00Z")}
	b := Interval{Start: ts("2024-01-01T00:15:00Z"), End: ts("2024-01-01T00:16:00Z")}
	c := Interval{Start: ts("2024-01-01T00:14:59Z"), End: ts("2024-01-01T00:16:00Z")}

	assert.False(t, a.Overlaps(b), "touching intervals must not overlap")
	assert.False(t, b.Overlaps(a))
	assert.True(t, a.Overlaps(c))
	assert.True(t, c.Overlaps(a))
}

func TestFiringsCron(t *testing.T) {
	j := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)

	ivs, err := Firings(j, j.Validity)
	require.NoError(t, err)
	require.Len(t, ivs, 6)
	assert.Equal(t, ts("2024-01-01T00:00:00Z"), ivs[0].Start)
	assert.Equal(t, ts("2024-01-01T00:05:00Z"), ivs[0].End)
	assert.Equal(t, ts("2024-01-01T00:50:00Z"), ivs[5].Start)
}

func TestFiringsSkipsBeforeValidityStart(t *testing.T) {
	// First matching instant (00:00) precedes the validity window.
	j := cronJob("A", "*/10 * * * *", "2024-01-01T00:05:00Z", "2024-01-01T00:35:00Z", 60)

	ivs, err := Firings(j, j.Validity)
	require.NoError(t, err)
	require.NotEmpty(t, ivs)
	assert.Equal(t, ts("2024-01-01T00:10:00Z"), ivs[0].Start)
}

func TestFiringsDropsTailPastValidityEnd(t *testing.T) {
	// 00:50 + 300s would end at 00:55; window ends 00:54, so the last
	// counted firing is 00:40.
	j := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T00:54:00Z", 300)

	ivs, err := Firings(j, j.Validity)
	require.NoError(t, err)
	require.NotEmpty(t, ivs)
	assert.Equal(t, ts("2024-01-01T00:40:00Z"), ivs[len(ivs)-1].Start)
}

func TestFiringsAtq(t *testing.T) {
	j := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)

	ivs, err := Firings(j, j.Validity)
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	assert.Equal(t, ts("2024-01-01T00:12:00Z"), ivs[0].Start)
	assert.Equal(t, ts("2024-01-01T00:17:00Z"), ivs[0].End)
}

func TestFindConflictAtqAgainstCron(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)

	conflict, err := FindConflict(b, a)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, "A", conflict.JobID)
	assert.Equal(t, ts("2024-01-01T00:10:00Z"), conflict.Instant)
}

func TestFindConflictTouchingAdmitted(t *testing.T) {
	// A occupies [00:10, 00:15); B2 occupies [00:15, 00:16). Disjoint.
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	b2 := atqJob("B2", "2024-01-01T00:15:00Z", "2024-01-01T00:20:00Z", 60)

	conflict, err := FindConflict(b2, a)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestFindConflictDisjointValidity(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	c := cronJob("C", "*/10 * * * *", "2024-01-02T00:00:00Z", "2024-01-02T01:00:00Z", 300)

	conflict, err := FindConflict(c, a)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestFindConflictTwoCronsDistinctPeriods(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T02:00:00Z", 120)
	b := cronJob("B", "*/7 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T02:00:00Z", 120)

	// 00:00 fires for both.
	conflict, err := FindConflict(b, a)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, "A", conflict.JobID)
	assert.Equal(t, ts("2024-01-01T00:00:00Z"), conflict.Instant)
}

func TestFindConflictOccupancyReachingIntoWindow(t *testing.T) {
	// A's firing at 00:50 occupies [00:50, 01:00); B's validity only
	// begins at 00:55 but its occupancy collides with A's tail.
	a := cronJob("A", "*/50 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:30:00Z", 600)
	b := atqJob("B", "2024-01-01T00:55:00Z", "2024-01-01T01:10:00Z", 300)

	conflict, err := FindConflict(b, a)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, ts("2024-01-01T00:50:00Z"), conflict.Instant)
}

func TestCheckAdmissionNonOverheadUnconditional(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)
	b.Overhead = false

	assert.NoError(t, CheckAdmission(b, []*Job{a}))
}

func TestCheckAdmissionIgnoresNonOverheadExisting(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	a.Overhead = false
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)

	assert.NoError(t, CheckAdmission(b, []*Job{a}))
}

func TestCheckAdmissionConflict(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)

	err := CheckAdmission(b, []*Job{a})
	require.Error(t, err)
	conflict, ok := IsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "A", conflict.JobID)
}

func TestNearestFreeSlot(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)

	got, err := NearestFreeSlot(b, ts("2024-01-01T00:15:00Z"), []*Job{a})
	require.NoError(t, err)
	assert.Equal(t, ts("2024-01-01T00:15:00Z"), got)
}

func TestNearestFreeSlotShiftsPastBusy(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:40:00Z", 300)

	// Asking inside A's [00:10, 00:15) occupancy lands on its end.
	got, err := NearestFreeSlot(b, ts("2024-01-01T00:12:00Z"), []*Job{a})
	require.NoError(t, err)
	assert.Equal(t, ts("2024-01-01T00:15:00Z"), got)
}

func TestNearestFreeSlotNoSlot(t *testing.T) {
	// A occupies every second half of each minute-long gap; B is too long
	// to fit before its deadline.
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 540)
	b := atqJob("B", "2024-01-01T00:12:00Z", "2024-01-01T00:20:00Z", 300)

	_, err := NearestFreeSlot(b, ts("2024-01-01T00:12:00Z"), []*Job{a})
	assert.True(t, errors.Is(err, ErrNoSlot))
}

func TestNearestFreeSlotCronUnsupported(t *testing.T) {
	a := cronJob("A", "*/10 * * * *", "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", 300)

	_, err := NearestFreeSlot(a, ts("2024-01-01T00:15:00Z"), nil)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestParseCronRejectsGarbage(t *testing.T) {
	_, err := ParseCron("not a cron line")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchedule))
}
