package coordstore

import (
	"context"
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketValues = []byte("values")
	bucketLeases = []byte("leases")
)

// BoltStore is the bbolt-backed coordination store, grounded on
// services/identity-gateway/store.go's pattern of one bolt.DB with small,
// purpose-specific buckets and every mutation wrapped in a single
// transaction. bbolt's single-writer, MVCC-reader transactions give the
// linearizable read/CAS/increment semantics §4.2 requires for a
// single-process deployment; a multi-host deployment swaps this file for a
// client of an external linearizable service without touching callers.
type BoltStore struct {
	db           *bolt.DB
	pollInterval time.Duration

	mu       sync.Mutex
	watchers map[string][]*boltWatch
	closeCh  chan struct{}
	closed   bool
}

type boltWatch struct {
	ch     chan Event
	cancel func()
}

// NewBoltStore opens (creating if absent) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketValues); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &BoltStore{
		db:           db,
		pollInterval: 250 * time.Millisecond,
		watchers:     make(map[string][]*boltWatch),
		closeCh:      make(chan struct{}),
	}
	return s, nil
}

// entry is the on-disk envelope for a value: an absolute expiry (zero means
// no TTL) followed by the raw application payload.
type entry struct {
	expiresAt int64 // unix nano; 0 means never
	value     []byte
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, 8+len(e.value))
	binary.BigEndian.PutUint64(buf[:8], uint64(e.expiresAt))
	copy(buf[8:], e.value)
	return buf
}

func decodeEntry(raw []byte) entry {
	if len(raw) < 8 {
		return entry{}
	}
	return entry{expiresAt: int64(binary.BigEndian.Uint64(raw[:8])), value: append([]byte(nil), raw[8:]...)}
}

func (e entry) expired(now time.Time) bool {
	return e.expiresAt != 0 && now.UnixNano() >= e.expiresAt
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		e := decodeEntry(raw)
		if e.expired(time.Now()) {
			return b.Delete([]byte(key))
		}
		out, ok = e.value, true
		return nil
	})
	return out, ok, err
}

func (s *BoltStore) CASPut(_ context.Context, key string, expected, newValue []byte) (bool, []byte, error) {
	var ok bool
	var current []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		raw := b.Get([]byte(key))
		var existing entry
		exists := raw != nil
		if exists {
			existing = decodeEntry(raw)
			if existing.expired(time.Now()) {
				exists = false
			}
		}
		if expected == nil {
			if exists {
				ok = false
				current = existing.value
				return nil
			}
		} else {
			if !exists || string(existing.value) != string(expected) {
				ok = false
				if exists {
					current = existing.value
				}
				return nil
			}
		}
		ok = true
		return b.Put([]byte(key), encodeEntry(entry{value: newValue}))
	})
	if err != nil {
		return false, nil, err
	}
	if ok {
		s.publish(Event{Type: EventPut, Key: key, Value: newValue})
	}
	return ok, current, nil
}

func (s *BoltStore) Increment(_ context.Context, key string) (uint64, error) {
	var result uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		raw := b.Get([]byte(key))
		var cur uint64
		if raw != nil {
			e := decodeEntry(raw)
			if !e.expired(time.Now()) && len(e.value) == 8 {
				cur = binary.BigEndian.Uint64(e.value)
			}
		}
		cur++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, cur)
		result = cur
		return b.Put([]byte(key), encodeEntry(entry{value: buf}))
	})
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, result)
	s.publish(Event{Type: EventPut, Key: key, Value: buf})
	return result, nil
}

func (s *BoltStore) PutWithLease(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		raw := b.Get([]byte(key))
		if raw != nil {
			if !decodeEntry(raw).expired(time.Now()) {
				ok = false
				return nil
			}
		}
		ok = true
		return b.Put([]byte(key), encodeEntry(entry{expiresAt: time.Now().Add(ttl).UnixNano(), value: value}))
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publish(Event{Type: EventPut, Key: key, Value: value})
	}
	return ok, nil
}

func (s *BoltStore) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (bool, string, error) {
	var ok bool
	var currentHolder string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		raw := b.Get([]byte(name))
		now := time.Now()
		if raw != nil {
			existingHolder, expiresAt := decodeLease(raw)
			if now.UnixNano() < expiresAt && existingHolder != holder {
				ok = false
				currentHolder = existingHolder
				return nil
			}
		}
		ok = true
		currentHolder = holder
		return b.Put([]byte(name), encodeLease(holder, now.Add(ttl).UnixNano()))
	})
	return ok, currentHolder, err
}

func (s *BoltStore) ReleaseLease(_ context.Context, name, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		raw := b.Get([]byte(name))
		if raw == nil {
			return nil
		}
		existingHolder, _ := decodeLease(raw)
		if existingHolder != holder {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

func encodeLease(holder string, expiresAt int64) []byte {
	buf := make([]byte, 8+len(holder))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt))
	copy(buf[8:], holder)
	return buf
}

func decodeLease(raw []byte) (holder string, expiresAt int64) {
	if len(raw) < 8 {
		return "", 0
	}
	return string(raw[8:]), int64(binary.BigEndian.Uint64(raw[:8]))
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	s.publish(Event{Type: EventDelete, Key: key})
	return nil
}

func (s *BoltStore) ListPrefix(_ context.Context, prefix string) ([]KV, error) {
	var out []KV
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		var expired [][]byte
		for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			e := decodeEntry(v)
			if e.expired(now) {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			out = append(out, KV{Key: string(k), Value: e.value})
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch polls ListPrefix on an interval and diffs snapshots to synthesize
// put/delete events. bbolt has no native change-notification API; this
// matches the at-least-once, eventually-consistent delivery the contract
// requires without inventing a wire protocol bbolt does not have.
func (s *BoltStore) Watch(ctx context.Context, prefix string) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)
	watchCtx, cancelCtx := context.WithCancel(ctx)
	w := &boltWatch{ch: ch}

	s.mu.Lock()
	s.watchers[prefix] = append(s.watchers[prefix], w)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			s.mu.Lock()
			subs := s.watchers[prefix]
			for i, c := range subs {
				if c == w {
					s.watchers[prefix] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			close(ch)
		})
	}
	w.cancel = cancel

	go func() {
		prev := make(map[string]string)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-s.closeCh:
				return
			case <-ticker.C:
				snapshot, err := s.ListPrefix(watchCtx, prefix)
				if err != nil {
					continue
				}
				cur := make(map[string]string, len(snapshot))
				for _, kv := range snapshot {
					cur[kv.Key] = string(kv.Value)
					if prevVal, ok := prev[kv.Key]; !ok || prevVal != string(kv.Value) {
						select {
						case ch <- Event{Type: EventPut, Key: kv.Key, Value: kv.Value}:
						default:
						}
					}
				}
				for k := range prev {
					if _, ok := cur[k]; !ok {
						select {
						case ch <- Event{Type: EventDelete, Key: k}:
						default:
						}
					}
				}
				prev = cur
			}
		}
	}()

	return ch, cancel, nil
}

// publish notifies poll-based watchers early, so a Watch consumer observes
// a change well before its next poll tick rather than waiting the full
// pollInterval.
func (s *BoltStore) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, subs := range s.watchers {
		if !strings.HasPrefix(ev.Key, prefix) {
			continue
		}
		for _, w := range subs {
			select {
			case w.ch <- ev:
			default:
			}
		}
	}
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()
	return s.db.Close()
}
