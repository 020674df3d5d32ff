// Package redis implements the log store on Redis Streams.
//
// Every store operation maps onto a single stream command (XADD, XREADGROUP,
// XACK, XPENDING, XCLAIM, XLEN, XINFO GROUPS, XRANGE), so the per-entry
// atomicity the bus relies on comes directly from Redis.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tradekit/streambus/store"
)

// Client is the subset of go-redis used by the log. It is satisfied by
// *redis.Client, *redis.ClusterClient and redis.UniversalClient, and by test
// doubles.
type Client interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XPendingExt(ctx context.Context, a *goredis.XPendingExtArgs) *goredis.XPendingExtCmd
	XClaim(ctx context.Context, a *goredis.XClaimArgs) *goredis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *goredis.IntCmd
	XInfoGroups(ctx context.Context, stream string) *goredis.XInfoGroupsCmd
	XRange(ctx context.Context, stream, start, stop string) *goredis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis: client is required")

// Log implements store.Log on Redis Streams.
type Log struct {
	client Client

	// ownsClient records whether Close should close the client. Logs built
	// from a URL own their client; injected clients stay open.
	ownsClient bool
}

// New wraps a pre-initialised client. The caller keeps ownership of the
// client's lifecycle.
func New(client Client) (*Log, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	return &Log{client: client}, nil
}

// Open connects to the Redis instance at url (redis://...) and returns a Log
// owning the connection.
func Open(url string) (*Log, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Log{client: goredis.NewClient(opts), ownsClient: true}, nil
}

// Append implements store.Log.
func (l *Log) Append(ctx context.Context, stream string, values map[string]string, opts store.AppendOptions) (string, error) {
	args := &goredis.XAddArgs{
		Stream: stream,
		Values: toRedisValues(values),
	}
	if opts.MaxLen > 0 {
		args.MaxLen = opts.MaxLen
		args.Approx = opts.Approximate
	}
	return l.client.XAdd(ctx, args).Result()
}

// EnsureGroup implements store.Log. The BUSYGROUP reply Redis gives for an
// existing group is the idempotent success case.
func (l *Log) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

// ReadGroup implements store.Log.
func (l *Log) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	args := &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
	}
	if block > 0 {
		args.Block = block
	} else {
		// go-redis treats zero Block as "block forever"; use -1 for an
		// immediate return.
		args.Block = -1
	}

	streams, err := l.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, store.ErrNoGroup
		}
		return nil, err
	}

	var entries []store.Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, fromMessage(msg))
		}
	}
	return entries, nil
}

// Ack implements store.Log.
func (l *Log) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.client.XAck(ctx, stream, group, ids...).Err()
}

// Pending implements store.Log.
func (l *Log) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]store.PendingEntry, error) {
	pending, err := l.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, store.ErrNoGroup
		}
		return nil, err
	}

	entries := make([]store.PendingEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, store.PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// Claim implements store.Log. Redis skips entries another consumer claimed
// after our XPENDING read, which is exactly the single-owner race we want.
func (l *Log) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]store.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := l.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, store.ErrNoGroup
		}
		return nil, err
	}

	entries := make([]store.Entry, 0, len(messages))
	for _, msg := range messages {
		// XCLAIM emits nil values for entries trimmed out of the stream.
		if msg.Values == nil {
			continue
		}
		entries = append(entries, fromMessage(msg))
	}
	return entries, nil
}

// Len implements store.Log.
func (l *Log) Len(ctx context.Context, stream string) (int64, error) {
	return l.client.XLen(ctx, stream).Result()
}

// Groups implements store.Log.
func (l *Log) Groups(ctx context.Context, stream string) ([]store.GroupInfo, error) {
	groups, err := l.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if isNoStream(err) {
			return nil, nil
		}
		return nil, err
	}

	infos := make([]store.GroupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, store.GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return infos, nil
}

// Range implements store.Log.
func (l *Log) Range(ctx context.Context, stream, start, end string, count int64) ([]store.Entry, error) {
	var (
		messages []goredis.XMessage
		err      error
	)
	if count > 0 {
		messages, err = l.client.XRangeN(ctx, stream, start, end, count).Result()
	} else {
		messages, err = l.client.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]store.Entry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, fromMessage(msg))
	}
	return entries, nil
}

// Ping implements store.Log.
func (l *Log) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close implements store.Log.
func (l *Log) Close() error {
	if !l.ownsClient {
		return nil
	}
	return l.client.Close()
}

func toRedisValues(values map[string]string) map[string]interface{} {
	converted := make(map[string]interface{}, len(values))
	for k, v := range values {
		converted[k] = v
	}
	return converted
}

func fromMessage(msg goredis.XMessage) store.Entry {
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}
	return store.Entry{ID: msg.ID, Values: values}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isNoStream(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}
