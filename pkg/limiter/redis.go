package limiter

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window_incr.lua
var incrementScript string

//go:embed fixed_window_renew.lua
var renewScript string

const (
	fieldHits  = "hits"
	fieldStart = "start"
)

// RedisStore is a Store backed by Redis, shared by every instance that points
// at the same keyspace.
//
// Each identity is a hash with the fields "hits" and "start". Explicit resets
// run in a MULTI block. Renewals and increments run as Lua scripts, so the
// compare-and-reset of RenewState and the compare-and-add of IncrementHits are
// atomic across clients.
type RedisStore struct {
	client  redis.UniversalClient
	script  *redis.Script
	renew   *redis.Script
	prefix  string
	timeout time.Duration
	ttl     time.Duration
	aligner Aligner
}

// NewRedisStore pings Redis and loads the renew and increment scripts. It honours
// WithPrefix, WithTimeout, WithTTL and WithAligner.
func NewRedisStore(client redis.UniversalClient, opts ...Option) (*RedisStore, error) {
	o := newOptions(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	script := redis.NewScript(incrementScript)
	renew := redis.NewScript(renewScript)
	for _, s := range []*redis.Script{script, renew} {
		if err := s.Load(ctx, client).Err(); err != nil {
			return nil, err
		}
	}

	return &RedisStore{
		client:  client,
		script:  script,
		renew:   renew,
		prefix:  o.prefix,
		timeout: o.timeout,
		ttl:     o.ttl,
		aligner: o.aligner,
	}, nil
}

func (r *RedisStore) key(id Identity) string {
	return r.prefix + id.String()
}

func (r *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisStore) ReadState(ctx context.Context, id Identity) (State, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	values, err := r.client.HMGet(ctx, r.key(id), fieldHits, fieldStart).Result()
	if err != nil {
		return State{}, false, err
	}
	if len(values) != 2 || values[1] == nil {
		return State{}, false, nil
	}

	start, err := parseInt(values[1])
	if err != nil {
		return State{}, false, err
	}
	hits, err := parseInt(values[0])
	if err != nil {
		return State{}, false, err
	}
	return State{Hits: hits, StartTime: start}, true, nil
}

func (r *RedisStore) ResetState(ctx context.Context, id Identity, startTime int64) (int64, error) {
	if r.aligner != nil {
		startTime = r.aligner(startTime)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.key(id)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldHits, 0, fieldStart, startTime)
		if r.ttl > 0 {
			pipe.PExpire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return startTime, nil
}

func (r *RedisStore) RenewState(ctx context.Context, id Identity, stale *State, startTime int64) (State, bool, error) {
	if r.aligner != nil {
		startTime = r.aligner(startTime)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var expected string
	if stale != nil {
		expected = strconv.FormatInt(stale.StartTime, 10)
	}
	result, err := r.renew.Run(ctx, r.client, []string{r.key(id)},
		expected,             // ARGV[1]
		startTime,            // ARGV[2]
		r.ttl.Milliseconds(), // ARGV[3]
	).Slice()
	if err != nil {
		return State{}, false, err
	}
	if len(result) != 3 {
		return State{}, false, fmt.Errorf("%w: renew script returned %d values", ErrUnexpectedReply, len(result))
	}

	var fields [3]int64
	for i, v := range result {
		if fields[i], err = parseInt(v); err != nil {
			return State{}, false, err
		}
	}
	return State{Hits: fields[1], StartTime: fields[2]}, fields[0] == 1, nil
}

func (r *RedisStore) IncrementHits(ctx context.Context, id Identity, last State, n int64) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	// Run tries EVALSHA first and falls back to EVAL when the script cache
	// was flushed, e.g. after a Redis restart.
	result, err := r.script.Run(ctx, r.client, []string{r.key(id)},
		last.Hits,            // ARGV[1]
		last.StartTime,       // ARGV[2]
		n,                    // ARGV[3]
		r.ttl.Milliseconds(), // ARGV[4]
	).Result()
	if err != nil {
		return 0, err
	}

	consumed, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: increment script returned %T", ErrUnexpectedReply, result)
	}
	return consumed, nil
}

// Delete removes the state of id.
func (r *RedisStore) Delete(ctx context.Context, id Identity) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client.Del(ctx, r.key(id)).Err()
}

func parseInt(val interface{}) (int64, error) {
	switch v := val.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: field of type %T", ErrUnexpectedReply, val)
	}
}

var _ Store = (*RedisStore)(nil)
