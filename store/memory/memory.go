// Package memory provides an in-process Log with full consumer-group
// semantics: monotonic entry IDs, pending entries with delivery counts,
// min-idle claims and length-bounded trimming. It backs the test suite and
// local development the same way the production redis backend does.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tradekit/streambus/store"
)

// Log is an in-memory implementation of store.Log. The zero value is not
// usable; construct with New.
type Log struct {
	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool

	// now is swapped in tests to drive idle clocks deterministically.
	now func() time.Time
}

type memStream struct {
	entries []store.Entry
	lastMs  int64
	lastSeq int64
	groups  map[string]*memGroup

	// waitCh is closed and replaced on every append so blocked readers wake.
	waitCh chan struct{}
}

type memGroup struct {
	lastDelivered entryID
	pending       map[string]*memPending
	consumers     map[string]struct{}
}

type memPending struct {
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

type entryID struct {
	ms  int64
	seq int64
}

func (a entryID) less(b entryID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func (a entryID) String() string {
	return fmt.Sprintf("%d-%d", a.ms, a.seq)
}

func parseEntryID(s string) (entryID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return entryID{}, fmt.Errorf("memory: invalid entry ID %q", s)
	}
	msN, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("memory: invalid entry ID %q", s)
	}
	seqN, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("memory: invalid entry ID %q", s)
	}
	return entryID{ms: msN, seq: seqN}, nil
}

// New returns an empty in-memory log.
func New() *Log {
	return &Log{
		streams: make(map[string]*memStream),
		now:     time.Now,
	}
}

func (l *Log) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			waitCh: make(chan struct{}),
		}
		l.streams[name] = s
	}
	return s
}

// Append implements store.Log.
func (l *Log) Append(ctx context.Context, stream string, values map[string]string, opts store.AppendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", store.ErrClosed
	}

	s := l.stream(stream)

	id := entryID{ms: l.now().UnixMilli()}
	if id.ms <= s.lastMs {
		id.ms = s.lastMs
		id.seq = s.lastSeq + 1
	}
	s.lastMs, s.lastSeq = id.ms, id.seq

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, store.Entry{ID: id.String(), Values: copied})

	if opts.MaxLen > 0 && int64(len(s.entries)) > opts.MaxLen {
		s.entries = s.entries[int64(len(s.entries))-opts.MaxLen:]
	}

	close(s.waitCh)
	s.waitCh = make(chan struct{})

	return id.String(), nil
}

// EnsureGroup implements store.Log. The group starts reading from the
// beginning of the stream.
func (l *Log) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return store.ErrClosed
	}

	s := l.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	s.groups[group] = &memGroup{
		pending:   make(map[string]*memPending),
		consumers: make(map[string]struct{}),
	}
	return nil
}

// ReadGroup implements store.Log.
func (l *Log) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	deadline := l.now().Add(block)

	for {
		entries, waitCh, err := l.readUndelivered(stream, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-waitCh:
			timer.Stop()
		}
	}
}

func (l *Log) readUndelivered(stream, group, consumer string, count int64) ([]store.Entry, chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, store.ErrClosed
	}

	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, store.ErrNoGroup
	}
	g.consumers[consumer] = struct{}{}

	var delivered []store.Entry
	for _, entry := range s.entries {
		if int64(len(delivered)) >= count {
			break
		}
		id, err := parseEntryID(entry.ID)
		if err != nil {
			return nil, nil, err
		}
		if !g.lastDelivered.less(id) {
			continue
		}
		g.lastDelivered = id
		g.pending[entry.ID] = &memPending{
			consumer:      consumer,
			deliveredAt:   l.now(),
			deliveryCount: 1,
		}
		delivered = append(delivered, cloneEntry(entry))
	}

	return delivered, s.waitCh, nil
}

// Ack implements store.Log.
func (l *Log) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return store.ErrClosed
	}

	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return store.ErrNoGroup
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Pending implements store.Log.
func (l *Log) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]store.PendingEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, store.ErrClosed
	}

	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, store.ErrNoGroup
	}

	now := l.now()
	var result []store.PendingEntry
	for id, p := range g.pending {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		result = append(result, store.PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          idle,
			DeliveryCount: p.deliveryCount,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		a, _ := parseEntryID(result[i].ID)
		b, _ := parseEntryID(result[j].ID)
		return a.less(b)
	})
	if count > 0 && int64(len(result)) > count {
		result = result[:count]
	}
	return result, nil
}

// Claim implements store.Log.
func (l *Log) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]store.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, store.ErrClosed
	}

	s := l.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, store.ErrNoGroup
	}
	g.consumers[consumer] = struct{}{}

	now := l.now()
	var claimed []store.Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}

		entry, ok := s.find(id)
		if !ok {
			// Trimmed out from under the group; nothing left to deliver.
			delete(g.pending, id)
			continue
		}

		p.consumer = consumer
		p.deliveredAt = now
		p.deliveryCount++
		claimed = append(claimed, cloneEntry(entry))
	}
	return claimed, nil
}

// Len implements store.Log.
func (l *Log) Len(ctx context.Context, stream string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, store.ErrClosed
	}
	s, ok := l.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// Groups implements store.Log.
func (l *Log) Groups(ctx context.Context, stream string) ([]store.GroupInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, store.ErrClosed
	}

	s, ok := l.streams[stream]
	if !ok {
		return nil, nil
	}

	infos := make([]store.GroupInfo, 0, len(s.groups))
	for name, g := range s.groups {
		var lag int64
		for _, entry := range s.entries {
			id, err := parseEntryID(entry.ID)
			if err != nil {
				return nil, err
			}
			if g.lastDelivered.less(id) {
				lag++
			}
		}
		infos = append(infos, store.GroupInfo{
			Name:            name,
			Consumers:       int64(len(g.consumers)),
			Pending:         int64(len(g.pending)),
			Lag:             lag,
			LastDeliveredID: g.lastDelivered.String(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Range implements store.Log.
func (l *Log) Range(ctx context.Context, stream, start, end string, count int64) ([]store.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, store.ErrClosed
	}

	s, ok := l.streams[stream]
	if !ok {
		return nil, nil
	}

	from := entryID{ms: -1}
	if start != "-" {
		parsed, err := parseEntryID(start)
		if err != nil {
			return nil, err
		}
		from = parsed
	}
	to := entryID{ms: 1<<63 - 1, seq: 1<<63 - 1}
	if end != "+" {
		parsed, err := parseEntryID(end)
		if err != nil {
			return nil, err
		}
		to = parsed
	}

	var result []store.Entry
	for _, entry := range s.entries {
		if count > 0 && int64(len(result)) >= count {
			break
		}
		id, err := parseEntryID(entry.ID)
		if err != nil {
			return nil, err
		}
		if id.less(from) || to.less(id) {
			continue
		}
		result = append(result, cloneEntry(entry))
	}
	return result, nil
}

// Ping implements store.Log.
func (l *Log) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return store.ErrClosed
	}
	return nil
}

// Close implements store.Log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (s *memStream) find(id string) (store.Entry, bool) {
	for _, entry := range s.entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return store.Entry{}, false
}

func cloneEntry(entry store.Entry) store.Entry {
	values := make(map[string]string, len(entry.Values))
	for k, v := range entry.Values {
		values[k] = v
	}
	return store.Entry{ID: entry.ID, Values: values}
}
