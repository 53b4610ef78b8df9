// Package redisboard publishes per-tick fingerprints to Redis so that an
// out-of-process auditor can compare every participant of a session.
package redisboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parksync/parksync/internal/snapshot"
)

const keyPrefix = "parksync"

// Config holds Redis connection and retention settings.
type Config struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379)
	URL string

	PoolSize     int
	MinIdleConns int

	// TTL bounds how long fingerprints of a tick are kept.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		TTL:          time.Hour,
	}
}

func tickKey(session string, tick uint64) string {
	return fmt.Sprintf("%s:fp:%s:%d", keyPrefix, session, tick)
}

func ticksIndexKey(session string) string {
	return fmt.Sprintf("%s:idx:ticks:%s", keyPrefix, session)
}

// Entry is what one participant reported for a tick.
type Entry struct {
	OrderKey     uint64               `json:"order_key"`
	CommandCount uint64               `json:"command_count"`
	Fingerprint  snapshot.Fingerprint `json:"fingerprint"`
}

// Audit is the comparison of every participant at one tick.
type Audit struct {
	Tick         uint64
	Participants map[string]Entry
	// Divergent lists participants whose entry differs from the majority.
	Divergent []string
}

// Consistent reports whether every participant agreed.
func (a Audit) Consistent() bool {
	return len(a.Divergent) == 0
}

// Board is a Redis-backed fingerprint board.
type Board struct {
	client *redis.Client
	cfg    Config
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Board, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Board{client: client, cfg: cfg}, nil
}

// NewWithClient creates a board with an existing client (for testing)
func NewWithClient(client *redis.Client, cfg Config) *Board {
	return &Board{client: client, cfg: cfg}
}

// Close closes the Redis connection.
func (b *Board) Close() error {
	return b.client.Close()
}

// Publish records participant's snapshot for its tick.
func (b *Board) Publish(ctx context.Context, session, participant string, s snapshot.Snapshot) error {
	data, err := json.Marshal(Entry{OrderKey: s.OrderKey, CommandCount: s.CommandCount, Fingerprint: s.Fingerprint})
	if err != nil {
		return err
	}
	key := tickKey(session, s.Tick)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, participant, data)
	pipe.ZAdd(ctx, ticksIndexKey(session), redis.Z{Score: float64(s.Tick), Member: strconv.FormatUint(s.Tick, 10)})
	if b.cfg.TTL > 0 {
		pipe.Expire(ctx, key, b.cfg.TTL)
		pipe.Expire(ctx, ticksIndexKey(session), b.cfg.TTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Collect returns every participant's entry for a tick.
func (b *Board) Collect(ctx context.Context, session string, tick uint64) (map[string]Entry, error) {
	raw, err := b.client.HGetAll(ctx, tickKey(session, tick)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(raw))
	for participant, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decoding entry of %s at tick %d: %w", participant, tick, err)
		}
		out[participant] = e
	}
	return out, nil
}

// Ticks lists the published ticks of a session in ascending order.
func (b *Board) Ticks(ctx context.Context, session string) ([]uint64, error) {
	members, err := b.client.ZRange(ctx, ticksIndexKey(session), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ticks := make([]uint64, 0, len(members))
	for _, m := range members {
		t, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing tick %q: %w", m, err)
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// Audit compares every participant at a tick against the majority entry.
func (b *Board) Audit(ctx context.Context, session string, tick uint64) (Audit, error) {
	entries, err := b.Collect(ctx, session, tick)
	if err != nil {
		return Audit{}, err
	}
	a := Audit{Tick: tick, Participants: entries}

	votes := make(map[Entry]int, len(entries))
	for _, e := range entries {
		votes[e]++
	}
	var majority Entry
	best := -1
	for e, n := range votes {
		if n > best || (n == best && e.Fingerprint.String() < majority.Fingerprint.String()) {
			majority, best = e, n
		}
	}
	for participant, e := range entries {
		if e != majority {
			a.Divergent = append(a.Divergent, participant)
		}
	}
	sort.Strings(a.Divergent)
	return a, nil
}
