package cost

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
)

// reserveScript performs the check-and-increment in one server-side step.
// KEYS: global counter, kind counter, kind stats hash.
// ARGV: amount, global cap, kind cap, ttl seconds.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local globalCap = tonumber(ARGV[2])
local kindCap = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local g = tonumber(redis.call('GET', KEYS[1]) or '0')
local k = tonumber(redis.call('GET', KEYS[2]) or '0')
if (globalCap > 0 and g + amount > globalCap) or (kindCap > 0 and k + amount > kindCap) then
  redis.call('HINCRBY', KEYS[3], 'vetoed', 1)
  redis.call('EXPIRE', KEYS[3], ttl)
  return 0
end
redis.call('INCRBY', KEYS[1], amount)
redis.call('INCRBY', KEYS[2], amount)
redis.call('HINCRBY', KEYS[3], 'attempts', 1)
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`)

// RedisLedger is a Meter shared by every process pointed at the same Redis.
// Keys carry the window as a hash tag so a cluster keeps one window on one
// slot.
type RedisLedger struct {
	rdb     redis.UniversalClient
	prefix  string
	limits  Limits
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewRedisLedger creates a Redis-backed ledger. Keys are namespaced by prefix.
func NewRedisLedger(rdb redis.UniversalClient, prefix string, limits Limits) *RedisLedger {
	if prefix == "" {
		prefix = "assess:budget"
	}
	return &RedisLedger{
		rdb:     rdb,
		prefix:  prefix,
		limits:  limits,
		ttl:     48 * time.Hour,
		nowFunc: time.Now,
	}
}

func (r *RedisLedger) window() string {
	return r.nowFunc().UTC().Format(windowLayout)
}

func (r *RedisLedger) globalKey(window string) string {
	return r.prefix + ":{" + window + "}:global"
}

func (r *RedisLedger) kindKey(window string, kind model.TaskKind) string {
	return r.prefix + ":{" + window + "}:kind:" + string(kind)
}

func (r *RedisLedger) statsKey(window string, kind model.TaskKind) string {
	return r.prefix + ":{" + window + "}:stats:" + string(kind)
}

// Reserve implements Meter.
func (r *RedisLedger) Reserve(ctx context.Context, kind model.TaskKind, estimateUSD float64) (Reservation, bool, error) {
	w := r.window()
	amount := ToMicros(max(0, estimateUSD))

	keys := []string{r.globalKey(w), r.kindKey(w, kind), r.statsKey(w, kind)}
	n, err := reserveScript.Run(ctx, r.rdb, keys,
		amount,
		capMicros(r.limits.GlobalDailyUSD),
		capMicros(r.limits.PerKindDailyUSD[kind]),
		int64(r.ttl.Seconds()),
	).Int64()
	if err != nil {
		return Reservation{}, false, eris.Wrap(err, "budget: redis reserve")
	}
	if n == 0 {
		return Reservation{}, false, nil
	}
	return Reservation{Kind: kind, Amount: amount, Window: w}, true, nil
}

// Record implements Meter.
func (r *RedisLedger) Record(ctx context.Context, res Reservation, actualUSD float64, succeeded bool) error {
	if res.Window == "" {
		return nil
	}
	field := "failed"
	if succeeded {
		field = "succeeded"
	}

	delta := ToMicros(max(0, actualUSD)) - res.Amount
	pipe := r.rdb.TxPipeline()
	if delta != 0 {
		pipe.IncrBy(ctx, r.globalKey(res.Window), delta)
		pipe.IncrBy(ctx, r.kindKey(res.Window, res.Kind), delta)
	}
	pipe.HIncrBy(ctx, r.statsKey(res.Window, res.Kind), field, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "budget: redis record")
	}
	return nil
}

// Snapshot implements Meter. Only kinds in model.AllTaskKinds are reported.
func (r *RedisLedger) Snapshot(ctx context.Context) (*Snapshot, error) {
	w := r.window()

	pipe := r.rdb.Pipeline()
	globalCmd := pipe.Get(ctx, r.globalKey(w))
	spentCmds := make(map[model.TaskKind]*redis.StringCmd, len(model.AllTaskKinds))
	statsCmds := make(map[model.TaskKind]*redis.MapStringStringCmd, len(model.AllTaskKinds))
	for _, kind := range model.AllTaskKinds {
		spentCmds[kind] = pipe.Get(ctx, r.kindKey(w, kind))
		statsCmds[kind] = pipe.HGetAll(ctx, r.statsKey(w, kind))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, eris.Wrap(err, "budget: redis snapshot")
	}

	snap := &Snapshot{
		Window:         w,
		GlobalCapUSD:   r.limits.GlobalDailyUSD,
		GlobalSpentUSD: FromMicros(int64Value(globalCmd)),
		Kinds:          make(map[model.TaskKind]KindUsage),
	}
	for _, kind := range model.AllTaskKinds {
		stats := statsCmds[kind].Val()
		usage := KindUsage{
			CapUSD:    r.limits.PerKindDailyUSD[kind],
			SpentUSD:  FromMicros(int64Value(spentCmds[kind])),
			Attempts:  parseInt(stats["attempts"]),
			Succeeded: parseInt(stats["succeeded"]),
			Failed:    parseInt(stats["failed"]),
			Vetoed:    parseInt(stats["vetoed"]),
		}
		if usage == (KindUsage{CapUSD: usage.CapUSD}) && usage.CapUSD == 0 {
			continue
		}
		snap.Kinds[kind] = usage
	}
	return snap, nil
}

func capMicros(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return ToMicros(usd)
}

func int64Value(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
