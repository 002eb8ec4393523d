// Package estimate computes queue positions and projected service times.
//
// Everything here is a pure function of its inputs. Callers pass the live
// waiting line read from the store; nothing is cached between calls.
package estimate

import (
	"errors"
	"sort"
	"time"

	"github.com/bissquit/queueline/internal/domain"
)

// ErrNotInLine is returned when the target entry is not part of the waiting line.
var ErrNotInLine = errors.New("entry is not in the waiting line")

// Schedule describes when service can happen for a scope (queue or counter).
type Schedule struct {
	ServiceStart *domain.TimeOfDay
	Location     *time.Location
	NextServeAt  *time.Time
	DelayUntil   *time.Time
}

// ScheduleFor builds the schedule of a queue, or of one of its counters when
// counter is not nil. A counter's own start time overrides the queue's.
func ScheduleFor(q *domain.Queue, counter *domain.Counter) Schedule {
	s := Schedule{
		ServiceStart: q.ServiceStart,
		Location:     q.Location(),
		NextServeAt:  q.NextServeAt,
		DelayUntil:   q.DelayUntil,
	}
	if counter != nil && counter.ServiceStart != nil {
		s.ServiceStart = counter.ServiceStart
	}
	return s
}

// Slot is one waiting entry with the time it is expected to occupy service.
type Slot struct {
	EntryID  string
	Duration time.Duration
}

// Estimate is the projection for a single waiting entry.
type Estimate struct {
	EntryID    string
	Position   int
	ExpectedAt time.Time
	Wait       time.Duration
}

// WaitMinutes returns the wait rounded up to whole minutes.
func (e Estimate) WaitMinutes() int {
	if e.Wait <= 0 {
		return 0
	}
	return int((e.Wait + time.Minute - 1) / time.Minute)
}

// BaseInstant returns the moment the head of the line is (or was) served:
// the latest of today's service start, today's last serve and the active
// delay. With none of them set it is now.
func BaseInstant(now time.Time, s Schedule) time.Time {
	var (
		base time.Time
		set  bool
	)
	consider := func(t time.Time) {
		if !set || t.After(base) {
			base = t
			set = true
		}
	}

	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	if s.ServiceStart != nil {
		consider(s.ServiceStart.On(now, loc))
	}
	if s.NextServeAt != nil && sameDay(*s.NextServeAt, now, loc) {
		consider(*s.NextServeAt)
	}
	if s.DelayUntil != nil {
		consider(*s.DelayUntil)
	}

	if !set {
		return now
	}
	return base
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Line projects every slot of an ordered waiting line.
//
// The clock starts at the base instant and advances by the contribution of
// each entry ahead. It is never allowed to fall behind now: an overdue head of
// line is treated as finishing now, so later entries are projected from the
// present instead of from the past. When the head has overrun its slot,
// positions 1 and 2 therefore both expect now with zero wait.
func Line(now time.Time, s Schedule, slots []Slot) []Estimate {
	base := BaseInstant(now, s)
	out := make([]Estimate, len(slots))

	t := base
	for i, slot := range slots {
		expected := t
		if expected.Before(now) {
			expected = now
		}
		out[i] = Estimate{
			EntryID:    slot.EntryID,
			Position:   i + 1,
			ExpectedAt: expected,
			Wait:       expected.Sub(now),
		}

		t = t.Add(slot.Duration)
		if t.Before(now) {
			t = now
		}
	}
	return out
}

// For projects a single entry of the line.
func For(now time.Time, s Schedule, slots []Slot, entryID string) (Estimate, error) {
	pos := Position(slots, entryID)
	if pos == 0 {
		return Estimate{}, ErrNotInLine
	}
	return Line(now, s, slots[:pos])[pos-1], nil
}

// Next projects an entry that would join at the back of the line.
func Next(now time.Time, s Schedule, slots []Slot) Estimate {
	line := Line(now, s, append(append([]Slot(nil), slots...), Slot{}))
	return line[len(line)-1]
}

// Position returns the 1-based rank of entryID in slots, or 0 if absent.
func Position(slots []Slot, entryID string) int {
	for i, s := range slots {
		if s.EntryID == entryID {
			return i + 1
		}
	}
	return 0
}

// Contribution returns how long the entry occupies service: the sum of its
// selected sub-services, or the flat per-customer duration without any.
func Contribution(entry *domain.Entry, flat time.Duration) time.Duration {
	if len(entry.Services) == 0 {
		return flat
	}
	var total time.Duration
	for _, s := range entry.Services {
		total += s.EstimatedDuration
	}
	return total
}

// SortLine orders waiting entries canonically: join time, then id.
func SortLine(entries []*domain.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}

// Slots converts an ordered line of entries into slots.
func Slots(entries []*domain.Entry, flat time.Duration) []Slot {
	slots := make([]Slot, len(entries))
	for i, e := range entries {
		slots[i] = Slot{EntryID: e.ID, Duration: Contribution(e, flat)}
	}
	return slots
}
