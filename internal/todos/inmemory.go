package todos

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps one ordered list per (owner, resource). Writes are
// serialized by a single mutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	lists   map[Pair][]*Todo
	nextSeq int64
	notify  *notifier
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		lists:  make(map[Pair][]*Todo),
		notify: newNotifier(),
	}
}

func (s *InMemoryStore) Add(_ context.Context, req AddRequest) (Todo, error) {
	req, err := normalizeAdd(req)
	if err != nil {
		return Todo{}, err
	}
	now := time.Now().UTC()
	pair := Pair{Owner: req.Owner, Resource: req.Resource}

	s.mu.Lock()
	s.nextSeq++
	todo := &Todo{
		ID:        uuid.NewString(),
		Owner:     req.Owner,
		Resource:  req.Resource,
		Kind:      ActionSendMessage,
		Status:    StatusPending,
		Seq:       s.nextSeq,
		Message:   messageFrom(req),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.lists[pair] = append(s.lists[pair], todo)
	out := todo.Clone()
	s.mu.Unlock()

	s.notify.publish(Change{Type: ChangeAdded, Owner: pair.Owner, Pair: pair, TodoID: out.ID, Status: out.Status, At: now})
	return out, nil
}

// Insert stores a fully formed todo as-is. It exists for tests and imports
// that need explicit ids or statuses.
func (s *InMemoryStore) Insert(todo Todo) Todo {
	if todo.ID == "" {
		todo.ID = uuid.NewString()
	}
	if todo.Kind == "" {
		todo.Kind = ActionSendMessage
	}
	if todo.Status == "" {
		todo.Status = StatusPending
	}
	now := time.Now().UTC()
	if todo.CreatedAt.IsZero() {
		todo.CreatedAt = now
	}
	if todo.UpdatedAt.IsZero() {
		todo.UpdatedAt = todo.CreatedAt
	}
	pair := todo.Pair()

	s.mu.Lock()
	s.nextSeq++
	todo.Seq = s.nextSeq
	cloned := todo.Clone()
	s.lists[pair] = append(s.lists[pair], &cloned)
	s.mu.Unlock()

	s.notify.publish(Change{Type: ChangeAdded, Owner: pair.Owner, Pair: pair, TodoID: todo.ID, Status: todo.Status, At: now})
	return todo.Clone()
}

func (s *InMemoryStore) ListFor(_ context.Context, owner, resource string) ([]Todo, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[pair]
	out := make([]Todo, 0, len(list))
	for _, t := range list {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, owner, resource, todoID string) (Todo, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.findLocked(pair, todoID)
	if t == nil {
		return Todo{}, ErrTodoNotFound
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, owner, resource, todoID string, status Status, errMsg string) error {
	_, err := s.transition(owner, resource, todoID, "", status, errMsg)
	return err
}

// Retry moves a Failed todo back to Pending. Any other current status is an
// ErrInvalidTransition.
func (s *InMemoryStore) Retry(_ context.Context, owner, resource, todoID string) (Todo, error) {
	return s.transition(owner, resource, todoID, StatusFailed, StatusPending, "")
}

// transition applies one status change under the store lock. A non-empty
// from requires the todo to currently hold that status.
func (s *InMemoryStore) transition(owner, resource, todoID string, from, to Status, errMsg string) (Todo, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	now := time.Now().UTC()

	s.mu.Lock()
	t := s.findLocked(pair, todoID)
	if t == nil {
		s.mu.Unlock()
		return Todo{}, ErrTodoNotFound
	}
	if cur := t.Status; (from != "" && cur != from) || !ValidTransition(cur, to) {
		s.mu.Unlock()
		return Todo{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	t.Status = to
	t.Error = strings.TrimSpace(errMsg)
	t.UpdatedAt = now
	out := t.Clone()
	s.mu.Unlock()

	s.notify.publish(Change{Type: ChangeUpdated, Owner: pair.Owner, Pair: pair, TodoID: todoID, Status: to, At: now})
	return out, nil
}

func (s *InMemoryStore) Remove(_ context.Context, owner, resource, todoID string) error {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}

	s.mu.Lock()
	list := s.lists[pair]
	idx := -1
	for i, t := range list {
		if t.ID == todoID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrTodoNotFound
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(s.lists, pair)
	} else {
		s.lists[pair] = list
	}
	s.mu.Unlock()

	s.notify.publish(Change{Type: ChangeRemoved, Owner: pair.Owner, Pair: pair, TodoID: todoID, At: time.Now().UTC()})
	return nil
}

// ClearFinished drops Done and Failed todos from the pair's list.
func (s *InMemoryStore) ClearFinished(_ context.Context, owner, resource string) (int, error) {
	pair := Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}

	s.mu.Lock()
	list := s.lists[pair]
	kept := make([]*Todo, 0, len(list))
	for _, t := range list {
		if !t.Terminal() {
			kept = append(kept, t)
		}
	}
	removed := len(list) - len(kept)
	if len(kept) == 0 {
		delete(s.lists, pair)
	} else {
		s.lists[pair] = kept
	}
	s.mu.Unlock()

	if removed > 0 {
		s.notify.publish(Change{Type: ChangeRemoved, Owner: pair.Owner, Pair: pair, At: time.Now().UTC()})
	}
	return removed, nil
}

// PendingPairs lists pairs holding at least one Pending todo. An empty owner
// matches every owner.
func (s *InMemoryStore) PendingPairs(_ context.Context, owner string) ([]Pair, error) {
	owner = strings.TrimSpace(owner)
	s.mu.RLock()
	var out []Pair
	for pair, list := range s.lists {
		if owner != "" && pair.Owner != owner {
			continue
		}
		for _, t := range list {
			if t.Status == StatusPending {
				out = append(out, pair)
				break
			}
		}
	}
	s.mu.RUnlock()
	sortPairs(out)
	return out, nil
}

// RecoverProcessing resets Processing todos to Pending. An in-memory store
// only holds them after a crash inside this process, so it is a no-op outside
// tests.
func (s *InMemoryStore) RecoverProcessing(_ context.Context) (int, error) {
	now := time.Now().UTC()
	var changes []Change

	s.mu.Lock()
	for pair, list := range s.lists {
		for _, t := range list {
			if t.Status == StatusProcessing {
				t.Status = StatusPending
				t.UpdatedAt = now
				changes = append(changes, Change{Type: ChangeUpdated, Owner: pair.Owner, Pair: pair, TodoID: t.ID, Status: StatusPending, At: now})
			}
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.notify.publish(c)
	}
	return len(changes), nil
}

func (s *InMemoryStore) Subscribe() (<-chan Change, func()) {
	return s.notify.subscribe()
}

func (s *InMemoryStore) Close() error {
	s.notify.close()
	return nil
}

func (s *InMemoryStore) findLocked(pair Pair, todoID string) *Todo {
	for _, t := range s.lists[pair] {
		if t.ID == todoID {
			return t
		}
	}
	return nil
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Owner != pairs[j].Owner {
			return pairs[i].Owner < pairs[j].Owner
		}
		return pairs[i].Resource < pairs[j].Resource
	})
}
