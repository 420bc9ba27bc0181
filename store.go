package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Backend persists raw values under string keys. Get must return nil, nil for a
// missing key. Implementations live in the backend package.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, key string) error
}

// errUnchanged lets a mutation skip the write-back.
var errUnchanged = errors.New("syncq: unchanged")

// itemStore keeps the whole queue as one snapshot. Every mutation is
// read-full-list, compute, write-full-list.
type itemStore struct {
	kv         Backend
	key        string
	corruptKey string
	enc        Encoder
	log        Logger
}

// snapshot is one parsed read of the stored list. Entries this build cannot
// decode (an unknown kind written by a newer client, a damaged record) are kept
// raw so that a write-back does not drop them.
type snapshot struct {
	items   []Item
	unknown []json.RawMessage
	// corrupt is the raw value when it was not a list at all.
	corrupt []byte
}

// read parses the snapshot. Backend errors are returned; a missing snapshot is
// empty and a corrupt one reads as empty with the raw value retained.
func (s *itemStore) read(ctx context.Context) (snapshot, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return snapshot{}, fmt.Errorf("syncq: read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return snapshot{}, nil
	}
	var entries []json.RawMessage
	if err := s.enc.Decode(raw, &entries); err != nil {
		s.log.Warnf("store: corrupt snapshot key=%s err=%v; treating as empty", s.key, err)
		return snapshot{corrupt: raw}, nil
	}
	snap := snapshot{items: make([]Item, 0, len(entries))}
	for i, e := range entries {
		var it Item
		if err := s.enc.Decode(e, &it); err != nil {
			s.log.Warnf("store: keeping undecodable entry key=%s index=%d err=%v", s.key, i, err)
			snap.unknown = append(snap.unknown, e)
			continue
		}
		snap.items = append(snap.items, it)
	}
	return snap, nil
}

// load returns the decodable items of the snapshot.
func (s *itemStore) load(ctx context.Context) ([]Item, error) {
	snap, err := s.read(ctx)
	return snap.items, err
}

// list is the fail-soft read used by queries: it never returns an error.
func (s *itemStore) list(ctx context.Context) []Item {
	items, err := s.load(ctx)
	if err != nil {
		s.log.Warnf("store: list failed key=%s err=%v", s.key, err)
		return nil
	}
	return items
}

// replace persists items as the full snapshot in one write.
func (s *itemStore) replace(ctx context.Context, items []Item) error {
	return s.write(ctx, snapshot{items: items})
}

// write persists snap in one write. Undecodable entries go after the items,
// at the oldest end of storage order. A corrupt previous value is copied to
// corruptKey before it is overwritten.
func (s *itemStore) write(ctx context.Context, snap snapshot) error {
	if snap.corrupt != nil && s.corruptKey != "" {
		if err := s.kv.Set(ctx, s.corruptKey, snap.corrupt); err != nil {
			return fmt.Errorf("syncq: back up corrupt snapshot: %w", err)
		}
		s.log.Warnf("store: corrupt snapshot key=%s saved to key=%s", s.key, s.corruptKey)
	}
	entries := make([]json.RawMessage, 0, len(snap.items)+len(snap.unknown))
	for _, it := range snap.items {
		b, err := s.enc.Encode(it)
		if err != nil {
			return fmt.Errorf("syncq: encode item %s: %w", it.ID, err)
		}
		entries = append(entries, b)
	}
	entries = append(entries, snap.unknown...)
	raw, err := s.enc.Encode(entries)
	if err != nil {
		return fmt.Errorf("syncq: encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("syncq: write snapshot: %w", err)
	}
	return nil
}
