// Package redis implements the event store on Redis sorted sets. Each
// aggregate log is one sorted set scored by sequence; the conditional
// append runs as a Lua script so the next-sequence check and the inserts
// are atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

// appendScript appends pages when ARGV[1] equals the aggregate's next
// sequence.
// KEYS[1] = events sorted set
// KEYS[2] = snapshot hash
// KEYS[3] = domain roots set
// ARGV[1] = first sequence, ARGV[2] = root, ARGV[3..] = encoded pages
var appendScript = goredis.NewScript(`
local next = 0
local last = redis.call("ZREVRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #last > 0 then
    next = tonumber(last[2]) + 1
else
    local snap = redis.call("HGET", KEYS[2], "sequence")
    if snap then
        next = tonumber(snap)
    end
end

local first = tonumber(ARGV[1])
if first ~= next then
    return {0, next}
end

for i = 3, #ARGV do
    redis.call("ZADD", KEYS[1], first + i - 3, ARGV[i])
end
redis.call("SADD", KEYS[3], ARGV[2])
return {1, next}
`)

// advanceScript moves a position forward only.
// KEYS[1] = position key, ARGV[1] = sequence
var advanceScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// Options configures the store.
type Options struct {
	// Prefix namespaces every key; defaults to "evcoord".
	Prefix string
}

// Store is a Redis-backed storage.Store.
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts Options) *Store {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "evcoord"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Open dials addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, opts Options) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts), nil
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) eventsKey(domain string, root book.Root) string {
	return s.prefix + ":events:" + domain + ":" + root.String()
}

func (s *Store) snapshotKey(domain string, root book.Root) string {
	return s.prefix + ":snapshot:" + domain + ":" + root.String()
}

func (s *Store) rootsKey(domain string) string {
	return s.prefix + ":roots:" + domain
}

func (s *Store) positionKey(key storage.PositionKey) string {
	return s.prefix + ":position:" + key.Handler + ":" + key.Domain + ":" + key.Root.String()
}

// Append runs the conditional append script.
func (s *Store) Append(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := storage.ValidateAppend(cover, pages); err != nil {
		return err
	}

	stamped := s.now().UTC()
	args := make([]any, 0, len(pages)+2)
	args = append(args, strconv.FormatUint(pages[0].Sequence, 10), cover.Root.String())
	for _, page := range pages {
		if page.CreatedAt.IsZero() {
			page.CreatedAt = stamped
		}
		args = append(args, encodePage(page, cover.CorrelationID))
	}

	keys := []string{
		s.eventsKey(cover.Domain, cover.Root),
		s.snapshotKey(cover.Domain, cover.Root),
		s.rootsKey(cover.Domain),
	}
	res, err := appendScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return storage.UnavailableError("append events", err)
	}
	if len(res) != 2 {
		return storage.UnavailableError("append events", fmt.Errorf("unexpected script reply %v", res))
	}
	if res[0] != 1 {
		return storage.ConflictError(cover, pages[0].Sequence, uint64(res[1]))
	}
	return nil
}

// Read returns pages with sequence >= from.
func (s *Store) Read(ctx context.Context, domain string, root book.Root, from uint64) ([]book.EventPage, error) {
	members, err := s.client.ZRangeByScore(ctx, s.eventsKey(domain, root), &goredis.ZRangeBy{
		Min: strconv.FormatUint(from, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, storage.UnavailableError("read events", err)
	}
	pages := make([]book.EventPage, 0, len(members))
	for _, member := range members {
		page, err := decodePage([]byte(member))
		if err != nil {
			return nil, fmt.Errorf("stored page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// ReadSnapshot returns the stored snapshot, or nil.
func (s *Store) ReadSnapshot(ctx context.Context, domain string, root book.Root) (*book.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.snapshotKey(domain, root)).Result()
	if err != nil {
		return nil, storage.UnavailableError("read snapshot", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	sequence, err := strconv.ParseUint(fields["sequence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stored snapshot sequence: %w", err)
	}
	state, err := storage.UnmarshalState([]byte(fields["state"]))
	if err != nil {
		return nil, err
	}
	return &book.Snapshot{Sequence: sequence, State: state}, nil
}

// WriteSnapshot replaces the stored snapshot.
func (s *Store) WriteSnapshot(ctx context.Context, domain string, root book.Root, snapshot book.Snapshot) error {
	state, err := storage.MarshalState(snapshot.State)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.snapshotKey(domain, root),
		"sequence", strconv.FormatUint(snapshot.Sequence, 10),
		"state", state,
		"created_at", s.now().UTC().UnixMilli(),
	).Err(); err != nil {
		return storage.UnavailableError("write snapshot", err)
	}
	return nil
}

// ListRoots returns every root with events in domain.
func (s *Store) ListRoots(ctx context.Context, domain string) ([]book.Root, error) {
	members, err := s.client.SMembers(ctx, s.rootsKey(domain)).Result()
	if err != nil {
		return nil, storage.UnavailableError("list roots", err)
	}
	sort.Strings(members)
	roots := make([]book.Root, 0, len(members))
	for _, member := range members {
		root, err := book.ParseRoot(member)
		if err != nil {
			return nil, fmt.Errorf("stored root: %w", err)
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// GetPosition returns the checkpoint for key.
func (s *Store) GetPosition(ctx context.Context, key storage.PositionKey) (uint64, bool, error) {
	if err := key.Validate(); err != nil {
		return 0, false, err
	}
	raw, err := s.client.Get(ctx, s.positionKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storage.UnavailableError("get position", err)
	}
	sequence, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("stored position: %w", err)
	}
	return sequence, true, nil
}

// AdvancePosition moves the checkpoint forward atomically.
func (s *Store) AdvancePosition(ctx context.Context, key storage.PositionKey, sequence uint64) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	advanced, err := advanceScript.Run(ctx, s.client, []string{s.positionKey(key)}, strconv.FormatUint(sequence, 10)).Int()
	if err != nil {
		return false, storage.UnavailableError("advance position", err)
	}
	return advanced == 1, nil
}

var _ storage.Store = (*Store)(nil)
