package cost

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/model"
)

// windowLayout names a daily budget window.
const windowLayout = "2006-01-02"

// Reservation is the token returned by a successful Reserve. It must be
// passed back to Record once the attempt finishes.
type Reservation struct {
	Kind   model.TaskKind `json:"kind"`
	Amount int64          `json:"amount_micros"`
	Window string         `json:"window"`
}

// Meter gates every billable attempt against the shared budget.
type Meter interface {
	// Reserve atomically checks the remaining budget for kind and, if the
	// estimate fits, charges it. ok is false when the budget is exhausted.
	Reserve(ctx context.Context, kind model.TaskKind, estimateUSD float64) (res Reservation, ok bool, err error)
	// Record settles a reservation with the actual cost of the attempt.
	Record(ctx context.Context, res Reservation, actualUSD float64, succeeded bool) error
	// Snapshot returns current usage for the active window.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Limits are the daily caps in USD. A zero cap is unlimited.
type Limits struct {
	GlobalDailyUSD  float64
	PerKindDailyUSD map[model.TaskKind]float64
}

// KindUsage is one kind's share of a window.
type KindUsage struct {
	CapUSD    float64 `json:"cap_usd"`
	SpentUSD  float64 `json:"spent_usd"`
	Attempts  int64   `json:"attempts"`
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
	Vetoed    int64   `json:"vetoed"`
}

// Snapshot is a point-in-time view of budget usage.
type Snapshot struct {
	Window         string                       `json:"window"`
	GlobalCapUSD   float64                      `json:"global_cap_usd"`
	GlobalSpentUSD float64                      `json:"global_spent_usd"`
	Kinds          map[model.TaskKind]KindUsage `json:"kinds"`
}

// RemainingUSD returns the unspent global budget, or -1 when unlimited.
func (s *Snapshot) RemainingUSD() float64 {
	if s.GlobalCapUSD <= 0 {
		return -1
	}
	return math.Max(0, s.GlobalCapUSD-s.GlobalSpentUSD)
}

// ToMicros converts USD to integer micro-dollars.
func ToMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// FromMicros converts micro-dollars to USD.
func FromMicros(micros int64) float64 {
	return float64(micros) / 1e6
}

type kindCounters struct {
	spent     int64
	attempts  int64
	succeeded int64
	failed    int64
	vetoed    int64
}

// Ledger is the in-process Meter. All reads and writes of the counters
// happen under one mutex, so concurrent reserves can never overspend.
type Ledger struct {
	mu      sync.Mutex
	limits  Limits
	window  string
	global  int64
	kinds   map[model.TaskKind]*kindCounters
	nowFunc func() time.Time
}

// NewLedger creates an in-process ledger with the given caps.
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits:  limits,
		kinds:   make(map[model.TaskKind]*kindCounters),
		nowFunc: time.Now,
	}
}

func (l *Ledger) currentWindow() string {
	return l.nowFunc().UTC().Format(windowLayout)
}

// rollover resets counters when the UTC day changes. Caller holds l.mu.
func (l *Ledger) rollover() {
	w := l.currentWindow()
	if w == l.window {
		return
	}
	if l.window != "" {
		zap.L().Info("budget: window rollover",
			zap.String("from", l.window),
			zap.String("to", w),
			zap.Float64("spent_usd", FromMicros(l.global)),
		)
	}
	l.window = w
	l.global = 0
	l.kinds = make(map[model.TaskKind]*kindCounters)
}

func (l *Ledger) counters(kind model.TaskKind) *kindCounters {
	c, ok := l.kinds[kind]
	if !ok {
		c = &kindCounters{}
		l.kinds[kind] = c
	}
	return c
}

// Reserve implements Meter.
func (l *Ledger) Reserve(_ context.Context, kind model.TaskKind, estimateUSD float64) (Reservation, bool, error) {
	amount := ToMicros(math.Max(0, estimateUSD))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	c := l.counters(kind)
	if !fits(l.global, amount, l.limits.GlobalDailyUSD) ||
		!fits(c.spent, amount, l.limits.PerKindDailyUSD[kind]) {
		c.vetoed++
		return Reservation{}, false, nil
	}

	l.global += amount
	c.spent += amount
	c.attempts++
	return Reservation{Kind: kind, Amount: amount, Window: l.window}, true, nil
}

// Record implements Meter. The delta between actual and estimate is applied
// to the reservation's window. Reservations from an expired window are
// dropped.
func (l *Ledger) Record(_ context.Context, res Reservation, actualUSD float64, succeeded bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if res.Window != l.window {
		return nil
	}

	c := l.counters(res.Kind)
	delta := ToMicros(math.Max(0, actualUSD)) - res.Amount
	l.global += delta
	c.spent += delta
	if succeeded {
		c.succeeded++
	} else {
		c.failed++
	}
	return nil
}

// Snapshot implements Meter.
func (l *Ledger) Snapshot(_ context.Context) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	snap := &Snapshot{
		Window:         l.window,
		GlobalCapUSD:   l.limits.GlobalDailyUSD,
		GlobalSpentUSD: FromMicros(l.global),
		Kinds:          make(map[model.TaskKind]KindUsage, len(l.kinds)),
	}
	for kind, c := range l.kinds {
		snap.Kinds[kind] = KindUsage{
			CapUSD:    l.limits.PerKindDailyUSD[kind],
			SpentUSD:  FromMicros(c.spent),
			Attempts:  c.attempts,
			Succeeded: c.succeeded,
			Failed:    c.failed,
			Vetoed:    c.vetoed,
		}
	}
	for kind, limit := range l.limits.PerKindDailyUSD {
		if _, ok := snap.Kinds[kind]; !ok {
			snap.Kinds[kind] = KindUsage{CapUSD: limit}
		}
	}
	return snap, nil
}

func fits(spent, amount int64, capUSD float64) bool {
	if capUSD <= 0 {
		return true
	}
	return spent+amount <= ToMicros(capUSD)
}
