// Package budget meters outbound brokerage calls against three nested
// ceilings: per-second, per-hour and per-day. Pure accounting, no I/O.
package budget

import (
	"sync"
	"time"
)

// Ceilings holds the three call ceilings and the daily warning fraction.
type Ceilings struct {
	PerSecond    int
	PerHour      int
	PerDay       int
	WarnFraction float64 // fraction of the daily ceiling that arms the warning
}

// Snapshot is a point-in-time view of the window counters.
type Snapshot struct {
	SecondCount int
	HourCount   int
	DayCount    int
	HourStart   time.Time
	DayStart    time.Time
}

// Budget tracks consumption against the ceilings. TryAdmit is a
// side-effect-free check; Record increments all three windows atomically as
// a unit. The second window rolls in fixed 1-second buckets; hour and day
// windows reset at clock boundaries in the configured location, so a call
// exactly at a boundary belongs to the new window.
type Budget struct {
	mu   sync.Mutex
	ceil Ceilings
	loc  *time.Location
	now  func() time.Time

	// veto short-circuits admission once the emergency stop has tripped.
	veto func() bool
	// onDailyWarn fires once per day when consumption crosses the warning
	// fraction of the daily ceiling. Re-armed at the next day boundary.
	onDailyWarn func(used, ceiling int)

	secBucket  int64
	secCount   int
	hourBucket int64
	hourCount  int
	dayBucket  int64
	dayCount   int
	warnedDay  int64
}

// Option configures a Budget.
type Option func(*Budget)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Budget) { b.now = now }
}

// WithVeto installs an admission veto; TryAdmit denies whenever it returns
// true, regardless of remaining budget.
func WithVeto(veto func() bool) Option {
	return func(b *Budget) { b.veto = veto }
}

// WithDailyWarn installs the once-per-day warning callback.
func WithDailyWarn(fn func(used, ceiling int)) Option {
	return func(b *Budget) { b.onDailyWarn = fn }
}

// New creates a Budget. Window boundaries are computed in loc, which should
// be the exchange's local time zone so the daily window re-arms at the
// exchange midnight.
func New(ceil Ceilings, loc *time.Location, opts ...Option) *Budget {
	b := &Budget{
		ceil: ceil,
		loc:  loc,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func secBucketOf(t time.Time) int64 {
	return t.Unix()
}

func (b *Budget) hourBucketOf(t time.Time) int64 {
	lt := t.In(b.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, b.loc).Unix()
}

func (b *Budget) dayBucketOf(t time.Time) int64 {
	lt := t.In(b.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, b.loc).Unix()
}

// effective returns the counter value a window would hold at time t without
// mutating anything: a stale bucket counts as zero.
func effective(bucket, current int64, count int) int {
	if bucket != current {
		return 0
	}
	return count
}

// TryAdmit answers whether one more call of the given weight can fire
// without crossing any ceiling. It performs no state change: repeated calls
// with no Record leave all counters untouched.
func (b *Budget) TryAdmit(weight int) bool {
	if weight <= 0 {
		weight = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.veto != nil && b.veto() {
		return false
	}

	t := b.now()
	sec := effective(b.secBucket, secBucketOf(t), b.secCount)
	hour := effective(b.hourBucket, b.hourBucketOf(t), b.hourCount)
	day := effective(b.dayBucket, b.dayBucketOf(t), b.dayCount)

	return sec+weight <= b.ceil.PerSecond &&
		hour+weight <= b.ceil.PerHour &&
		day+weight <= b.ceil.PerDay
}

// Record counts a call that actually fired. All three windows are
// incremented together under one lock; a call counts fully or not at all.
func (b *Budget) Record(weight int) {
	if weight <= 0 {
		weight = 1
	}

	b.mu.Lock()

	t := b.now()
	b.roll(t)
	b.secCount += weight
	b.hourCount += weight
	b.dayCount += weight

	var warn func(used, ceiling int)
	var used int
	threshold := int(float64(b.ceil.PerDay) * b.ceil.WarnFraction)
	if b.onDailyWarn != nil && b.warnedDay != b.dayBucket && b.dayCount >= threshold {
		b.warnedDay = b.dayBucket
		warn = b.onDailyWarn
		used = b.dayCount
	}

	b.mu.Unlock()

	// Fired outside the lock; the callback may call back into the budget.
	if warn != nil {
		warn(used, b.ceil.PerDay)
	}
}

// roll resets any window whose bucket has moved on. Caller holds the lock.
func (b *Budget) roll(t time.Time) {
	if sb := secBucketOf(t); sb != b.secBucket {
		b.secBucket = sb
		b.secCount = 0
	}
	if hb := b.hourBucketOf(t); hb != b.hourBucket {
		b.hourBucket = hb
		b.hourCount = 0
	}
	if db := b.dayBucketOf(t); db != b.dayBucket {
		b.dayBucket = db
		b.dayCount = 0
	}
}

// Seed restores persisted counters for the current hour and day windows.
// Counts recorded for a different window than the current one are ignored,
// so a restart after a boundary starts clean.
func (b *Budget) Seed(at time.Time, hourCount, dayCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.now()
	if b.hourBucketOf(at) == b.hourBucketOf(t) {
		b.hourBucket = b.hourBucketOf(t)
		b.hourCount = hourCount
	}
	if b.dayBucketOf(at) == b.dayBucketOf(t) {
		b.dayBucket = b.dayBucketOf(t)
		b.dayCount = dayCount
	}
}

// Snapshot returns the current effective counters.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.now()
	return Snapshot{
		SecondCount: effective(b.secBucket, secBucketOf(t), b.secCount),
		HourCount:   effective(b.hourBucket, b.hourBucketOf(t), b.hourCount),
		DayCount:    effective(b.dayBucket, b.dayBucketOf(t), b.dayCount),
		HourStart:   time.Unix(b.hourBucketOf(t), 0).In(b.loc),
		DayStart:    time.Unix(b.dayBucketOf(t), 0).In(b.loc),
	}
}

// RemainingHourFraction returns the fraction of the hourly ceiling still
// unspent, in [0, 1]. The adaptive poller keys its interval on this.
func (b *Budget) RemainingHourFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.now()
	used := effective(b.hourBucket, b.hourBucketOf(t), b.hourCount)
	if used >= b.ceil.PerHour {
		return 0
	}
	return float64(b.ceil.PerHour-used) / float64(b.ceil.PerHour)
}

// Ceilings returns the configured ceilings.
func (b *Budget) Ceilings() Ceilings {
	return b.ceil
}
