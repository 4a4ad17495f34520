// Package journal persists the stream of consensus inputs so a node can
// rebuild its state from genesis by replaying it.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/storage"
)

// Journal errors.
var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrMalformedEvent = errors.New("malformed event")
	ErrCorruptJournal = errors.New("corrupt journal")
)

const (
	prefixEvent = int64(0)
)

// Handler applies one replayed event.
type Handler func(ctx context.Context, ev Event) error

// Journal is an append-only event log over a storage.DB. Sequence numbers
// start at 1 and have no gaps.
type Journal struct {
	mu   sync.Mutex
	db   storage.DB
	next uint64
}

// Open loads the journal stored in db, resuming after its last event.
func Open(db storage.DB) (*Journal, error) {
	j := &Journal{db: db, next: 1}
	err := db.ForEach(eventPrefix(), func(key, _ []byte) error {
		seq, err := parseEventKey(key)
		if err != nil {
			return err
		}
		if seq != j.next {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrCorruptJournal, j.next, seq)
		}
		j.next = seq + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.Journal.Debug().Uint64("events", j.next-1).Msg("Journal opened")
	return j, nil
}

// Append validates ev, assigns it the next sequence number and stores it.
func (j *Journal) Append(ev Event) (uint64, error) {
	seqs, err := j.AppendBatch([]Event{ev})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch stores evs atomically when the DB supports batches.
func (j *Journal) AppendBatch(evs []Event) ([]uint64, error) {
	for i := range evs {
		if err := evs[i].Validate(); err != nil {
			return nil, err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		put    = j.db.Put
		commit = func() error { return nil }
	)
	if b, ok := j.db.(storage.Batcher); ok && len(evs) > 1 {
		batch := b.NewBatch()
		put = batch.Put
		commit = batch.Commit
	}

	seqs := make([]uint64, len(evs))
	for i := range evs {
		ev := evs[i]
		ev.Seq = j.next + uint64(i)
		data, err := json.Marshal(&ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		if err := put(eventKey(ev.Seq), data); err != nil {
			return nil, fmt.Errorf("store event %d: %w", ev.Seq, err)
		}
		seqs[i] = ev.Seq
	}
	if err := commit(); err != nil {
		return nil, fmt.Errorf("commit events: %w", err)
	}
	j.next += uint64(len(evs))
	return seqs, nil
}

// Get returns the event with sequence number seq.
func (j *Journal) Get(seq uint64) (Event, error) {
	data, err := j.db.Get(eventKey(seq))
	if err != nil {
		return Event{}, fmt.Errorf("event %d: %w", seq, err)
	}
	return decodeEvent(data)
}

// Len returns the number of stored events.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next - 1
}

// ForEach calls fn for every event with Seq >= from, in sequence order.
func (j *Journal) ForEach(from uint64, fn func(Event) error) error {
	return j.db.ForEach(eventPrefix(), func(key, value []byte) error {
		seq, err := parseEventKey(key)
		if err != nil {
			return err
		}
		if seq < from {
			return nil
		}
		ev, err := decodeEvent(value)
		if err != nil {
			return fmt.Errorf("event %d: %w", seq, err)
		}
		return fn(ev)
	})
}

// Replay feeds every event from j to h in order and returns how many were
// applied. It stops at the first handler error or when ctx is done.
func Replay(ctx context.Context, j *Journal, h Handler) (uint64, error) {
	defer klog.Benchmark("journal replay")()

	var applied uint64
	err := j.ForEach(1, func(ev Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("replay event %d (%s): %w", ev.Seq, ev.Kind, err)
		}
		applied++
		return nil
	})
	klog.Journal.Info().Uint64("events", applied).Err(err).Msg("Journal replayed")
	return applied, err
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptJournal, err)
	}
	return ev, nil
}

func eventPrefix() []byte {
	key, err := orderedcode.Append(nil, prefixEvent)
	if err != nil {
		panic(err)
	}
	return key
}

func eventKey(seq uint64) []byte {
	key, err := orderedcode.Append(nil, prefixEvent, seq)
	if err != nil {
		panic(err)
	}
	return key
}

func parseEventKey(key []byte) (uint64, error) {
	var (
		prefix int64
		seq    uint64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &seq)
	if err != nil {
		return 0, fmt.Errorf("%w: bad key %x: %v", ErrCorruptJournal, key, err)
	}
	if remaining != "" || prefix != prefixEvent {
		return 0, fmt.Errorf("%w: bad key %x", ErrCorruptJournal, key)
	}
	return seq, nil
}
