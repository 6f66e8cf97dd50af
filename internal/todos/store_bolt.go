package todos

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketPairs = []byte("pairs")
	bucketIndex = []byte("index")
)

// BoltStore persists todos in a single bbolt file. Each (owner, resource)
// list is a nested bucket keyed by monotonic ULIDs, so cursor order is
// creation order. The index bucket maps todo ids to their ULID key.
type BoltStore struct {
	db      *bbolt.DB
	entropy io.Reader
	notify  *notifier
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPairs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		notify:  newNotifier(),
	}, nil
}

func pairBucketKey(p Pair) []byte { return []byte(p.Key()) }

func splitPairKey(k []byte) Pair {
	owner, resource, _ := strings.Cut(string(k), "\x00")
	return Pair{Owner: owner, Resource: resource}
}

func (s *BoltStore) Add(_ context.Context, req AddRequest) (Todo, error) {
	req, err := normalizeAdd(req)
	if err != nil {
		return Todo{}, err
	}
	now := time.Now().UTC()
	todo := Todo{
		ID:        uuid.NewString(),
		Owner:     req.Owner,
		Resource:  req.Resource,
		Kind:      ActionSendMessage,
		Status:    StatusPending,
		Message:   messageFrom(req),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		seq, err := pairs.NextSequence()
		if err != nil {
			return err
		}
		todo.Seq = int64(seq)
		// Writers are serialized by bbolt, which keeps the entropy source safe.
		key, err := ulid.New(ulid.Timestamp(now), s.entropy)
		if err != nil {
			return fmt.Errorf("generate todo key: %w", err)
		}
		list, err := pairs.CreateBucketIfNotExists(pairBucketKey(todo.Pair()))
		if err != nil {
			return err
		}
		if err := putTodo(list, key[:], todo); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(todo.ID), key[:])
	})
	if err != nil {
		return Todo{}, fmt.Errorf("insert todo: %w", err)
	}

	s.notify.publish(Change{Type: ChangeAdded, Owner: todo.Owner, Pair: todo.Pair(), TodoID: todo.ID, Status: todo.Status, At: now})
	return todo, nil
}

func (s *BoltStore) ListFor(_ context.Context, owner, resource string) ([]Todo, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	out := make([]Todo, 0, 8)
	err := s.db.View(func(tx *bbolt.Tx) error {
		list := tx.Bucket(bucketPairs).Bucket(pairBucketKey(pair))
		if list == nil {
			return nil
		}
		return list.ForEach(func(_, v []byte) error {
			var t Todo
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode todo: %w", err)
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *BoltStore) Get(_ context.Context, owner, resource, todoID string) (Todo, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	var todo Todo
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		todo, _, err = lookup(tx, pair, todoID)
		return err
	})
	return todo, err
}

func (s *BoltStore) UpdateStatus(_ context.Context, owner, resource, todoID string, status Status, errMsg string) error {
	_, err := s.transition(owner, resource, todoID, "", status, errMsg)
	return err
}

// Retry moves a Failed todo back to Pending inside one update transaction.
func (s *BoltStore) Retry(_ context.Context, owner, resource, todoID string) (Todo, error) {
	return s.transition(owner, resource, todoID, StatusFailed, StatusPending, "")
}

func (s *BoltStore) transition(owner, resource, todoID string, from, to Status, errMsg string) (Todo, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	now := time.Now().UTC()

	var out Todo
	err := s.db.Update(func(tx *bbolt.Tx) error {
		todo, key, err := lookup(tx, pair, todoID)
		if err != nil {
			return err
		}
		if cur := todo.Status; (from != "" && cur != from) || !ValidTransition(cur, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
		}
		todo.Status = to
		todo.Error = strings.TrimSpace(errMsg)
		todo.UpdatedAt = now
		out = todo
		return putTodo(tx.Bucket(bucketPairs).Bucket(pairBucketKey(pair)), key, todo)
	})
	if err != nil {
		return Todo{}, err
	}

	s.notify.publish(Change{Type: ChangeUpdated, Owner: pair.Owner, Pair: pair, TodoID: todoID, Status: to, At: now})
	return out, nil
}

func (s *BoltStore) Remove(_ context.Context, owner, resource, todoID string) error {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, key, err := lookup(tx, pair, todoID)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Delete([]byte(todoID)); err != nil {
			return err
		}
		return deleteFromPair(tx, pair, [][]byte{key})
	})
	if err != nil {
		return err
	}
	s.notify.publish(Change{Type: ChangeRemoved, Owner: pair.Owner, Pair: pair, TodoID: todoID, At: time.Now().UTC()})
	return nil
}

func (s *BoltStore) ClearFinished(_ context.Context, owner, resource string) (int, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		list := tx.Bucket(bucketPairs).Bucket(pairBucketKey(pair))
		if list == nil {
			return nil
		}
		var keys [][]byte
		var ids []string
		err := list.ForEach(func(k, v []byte) error {
			var t Todo
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode todo: %w", err)
			}
			if t.Terminal() {
				keys = append(keys, append([]byte(nil), k...))
				ids = append(ids, t.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		index := tx.Bucket(bucketIndex)
		for _, id := range ids {
			if err := index.Delete([]byte(id)); err != nil {
				return err
			}
		}
		removed = len(keys)
		return deleteFromPair(tx, pair, keys)
	})
	if err != nil {
		return 0, fmt.Errorf("clear finished todos: %w", err)
	}
	if removed > 0 {
		s.notify.publish(Change{Type: ChangeRemoved, Owner: pair.Owner, Pair: pair, At: time.Now().UTC()})
	}
	return removed, nil
}

func (s *BoltStore) PendingPairs(_ context.Context, owner string) ([]Pair, error) {
	owner = strings.TrimSpace(owner)
	var out []Pair
	err := s.db.View(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		for _, k := range pairKeys(pairs) {
			pair := splitPairKey(k)
			if owner != "" && pair.Owner != owner {
				continue
			}
			pending, err := hasStatus(pairs.Bucket(k), StatusPending)
			if err != nil {
				return err
			}
			if pending {
				out = append(out, pair)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending pairs: %w", err)
	}
	sortPairs(out)
	return out, nil
}

// RecoverProcessing resets todos a previous process left in Processing.
func (s *BoltStore) RecoverProcessing(_ context.Context) (int, error) {
	now := time.Now().UTC()
	var changes []Change
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		for _, pk := range pairKeys(pairs) {
			list := pairs.Bucket(pk)
			pair := splitPairKey(pk)
			var stale []Todo
			var keys [][]byte
			err := list.ForEach(func(k, v []byte) error {
				var t Todo
				if err := json.Unmarshal(v, &t); err != nil {
					return fmt.Errorf("decode todo: %w", err)
				}
				if t.Status == StatusProcessing {
					stale = append(stale, t)
					keys = append(keys, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for i, t := range stale {
				t.Status = StatusPending
				t.UpdatedAt = now
				if err := putTodo(list, keys[i], t); err != nil {
					return err
				}
				changes = append(changes, Change{Type: ChangeUpdated, Owner: pair.Owner, Pair: pair, TodoID: t.ID, Status: StatusPending, At: now})
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover processing todos: %w", err)
	}
	for _, c := range changes {
		s.notify.publish(c)
	}
	return len(changes), nil
}

func (s *BoltStore) Subscribe() (<-chan Change, func()) {
	return s.notify.subscribe()
}

func (s *BoltStore) Close() error {
	s.notify.close()
	return s.db.Close()
}

func lookup(tx *bbolt.Tx, pair Pair, todoID string) (Todo, []byte, error) {
	key := tx.Bucket(bucketIndex).Get([]byte(todoID))
	list := tx.Bucket(bucketPairs).Bucket(pairBucketKey(pair))
	if key == nil || list == nil {
		return Todo{}, nil, ErrTodoNotFound
	}
	raw := list.Get(key)
	if raw == nil {
		return Todo{}, nil, ErrTodoNotFound
	}
	var t Todo
	if err := json.Unmarshal(raw, &t); err != nil {
		return Todo{}, nil, fmt.Errorf("decode todo: %w", err)
	}
	return t, append([]byte(nil), key...), nil
}

func putTodo(list *bbolt.Bucket, key []byte, t Todo) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode todo: %w", err)
	}
	return list.Put(key, raw)
}

// deleteFromPair removes keys from the pair's bucket and drops the bucket
// once it is empty.
func deleteFromPair(tx *bbolt.Tx, pair Pair, keys [][]byte) error {
	pairs := tx.Bucket(bucketPairs)
	list := pairs.Bucket(pairBucketKey(pair))
	if list == nil {
		return nil
	}
	for _, k := range keys {
		if err := list.Delete(k); err != nil {
			return err
		}
	}
	if k, _ := list.Cursor().First(); k == nil {
		return pairs.DeleteBucket(pairBucketKey(pair))
	}
	return nil
}

// pairKeys copies the nested bucket names so callers can write while walking
// them.
func pairKeys(pairs *bbolt.Bucket) [][]byte {
	var keys [][]byte
	_ = pairs.ForEach(func(k, v []byte) error {
		if v == nil {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	return keys
}

func hasStatus(list *bbolt.Bucket, status Status) (bool, error) {
	found := false
	err := list.ForEach(func(_, v []byte) error {
		if found {
			return nil
		}
		var t struct {
			Status Status `json:"status"`
		}
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("decode todo: %w", err)
		}
		found = t.Status == status
		return nil
	})
	return found, err
}
