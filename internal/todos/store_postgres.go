package todos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	notify *notifier
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, notify: newNotifier()}, nil
}

const todoColumns = `id, seq, owner, resource, kind, status, message, error, created_at, updated_at`

func (s *PostgresStore) Add(ctx context.Context, req AddRequest) (Todo, error) {
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
	payload, err := json.Marshal(todo.Message)
	if err != nil {
		return Todo{}, fmt.Errorf("marshal message context: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO todos (id, owner, resource, kind, status, message, error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,'',$7,$8)
		 RETURNING seq`,
		todo.ID,
		todo.Owner,
		todo.Resource,
		string(todo.Kind),
		string(todo.Status),
		payload,
		todo.CreatedAt,
		todo.UpdatedAt,
	).Scan(&todo.Seq)
	if err != nil {
		return Todo{}, fmt.Errorf("insert todo: %w", err)
	}

	s.notify.publish(Change{Type: ChangeAdded, Owner: todo.Owner, Pair: todo.Pair(), TodoID: todo.ID, Status: todo.Status, At: now})
	return todo, nil
}

func (s *PostgresStore) ListFor(ctx context.Context, owner, resource string) ([]Todo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE owner=$1 AND resource=$2 ORDER BY seq ASC`,
		strings.TrimSpace(owner), strings.TrimSpace(resource),
	)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	out := make([]Todo, 0, 8)
	for rows.Next() {
		todo, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo row: %w", err)
		}
		out = append(out, todo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todo rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, owner, resource, todoID string) (Todo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE owner=$1 AND resource=$2 AND id=$3`,
		strings.TrimSpace(owner), strings.TrimSpace(resource), todoID,
	)
	todo, err := scanTodo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, ErrTodoNotFound
		}
		return Todo{}, fmt.Errorf("get todo: %w", err)
	}
	return todo, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, owner, resource, todoID string, status Status, errMsg string) error {
	return s.transition(ctx, owner, resource, todoID, "", status, errMsg)
}

// Retry moves a Failed todo back to Pending. The row is locked while its
// current status is checked.
func (s *PostgresStore) Retry(ctx context.Context, owner, resource, todoID string) (Todo, error) {
	if err := s.transition(ctx, owner, resource, todoID, StatusFailed, StatusPending, ""); err != nil {
		return Todo{}, err
	}
	return s.Get(ctx, owner, resource, todoID)
}

func (s *PostgresStore) transition(ctx context.Context, owner, resource, todoID string, from, status Status, errMsg string) error {
	owner = strings.TrimSpace(owner)
	resource = strings.TrimSpace(resource)
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM todos WHERE owner=$1 AND resource=$2 AND id=$3 FOR UPDATE`,
		owner, resource, todoID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTodoNotFound
		}
		return fmt.Errorf("lock todo: %w", err)
	}
	if cur := Status(current); (from != "" && cur != from) || !ValidTransition(cur, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE todos SET status=$1, error=$2, updated_at=$3 WHERE id=$4`,
		string(status), strings.TrimSpace(errMsg), now, todoID,
	); err != nil {
		return fmt.Errorf("update todo status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	pair := Pair{Owner: owner, Resource: resource}
	s.notify.publish(Change{Type: ChangeUpdated, Owner: owner, Pair: pair, TodoID: todoID, Status: status, At: now})
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, owner, resource, todoID string) error {
	owner = strings.TrimSpace(owner)
	resource = strings.TrimSpace(resource)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM todos WHERE owner=$1 AND resource=$2 AND id=$3`,
		owner, resource, todoID,
	)
	if err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTodoNotFound
	}
	s.notify.publish(Change{Type: ChangeRemoved, Owner: owner, Pair: Pair{Owner: owner, Resource: resource}, TodoID: todoID, At: time.Now().UTC()})
	return nil
}

func (s *PostgresStore) ClearFinished(ctx context.Context, owner, resource string) (int, error) {
	owner = strings.TrimSpace(owner)
	resource = strings.TrimSpace(resource)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM todos WHERE owner=$1 AND resource=$2 AND status IN ($3,$4)`,
		owner, resource, string(StatusDone), string(StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("clear finished todos: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.notify.publish(Change{Type: ChangeRemoved, Owner: owner, Pair: Pair{Owner: owner, Resource: resource}, At: time.Now().UTC()})
	}
	return n, nil
}

func (s *PostgresStore) PendingPairs(ctx context.Context, owner string) ([]Pair, error) {
	owner = strings.TrimSpace(owner)
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT owner, resource FROM todos
		  WHERE status=$1 AND ($2='' OR owner=$2)
		  ORDER BY owner, resource`,
		string(StatusPending), owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending pairs: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Owner, &p.Resource); err != nil {
			return nil, fmt.Errorf("scan pending pair: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending pairs: %w", err)
	}
	return out, nil
}

// RecoverProcessing resets todos a previous process left in Processing. Run
// it once at boot, before the executor starts.
func (s *PostgresStore) RecoverProcessing(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE todos SET status=$1, updated_at=$2 WHERE status=$3 RETURNING id, owner, resource`,
		string(StatusPending), now, string(StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("recover processing todos: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.TodoID, &c.Pair.Owner, &c.Pair.Resource); err != nil {
			return 0, fmt.Errorf("scan recovered todo: %w", err)
		}
		c.Type = ChangeUpdated
		c.Owner = c.Pair.Owner
		c.Status = StatusPending
		c.At = now
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recovered todos: %w", err)
	}
	for _, c := range changes {
		s.notify.publish(c)
	}
	return len(changes), nil
}

func (s *PostgresStore) Subscribe() (<-chan Change, func()) {
	return s.notify.subscribe()
}

func (s *PostgresStore) Close() error {
	s.notify.close()
	s.pool.Close()
	return nil
}

func scanTodo(row pgx.Row) (Todo, error) {
	var (
		todo    Todo
		kind    string
		status  string
		message []byte
	)
	if err := row.Scan(
		&todo.ID,
		&todo.Seq,
		&todo.Owner,
		&todo.Resource,
		&kind,
		&status,
		&message,
		&todo.Error,
		&todo.CreatedAt,
		&todo.UpdatedAt,
	); err != nil {
		return Todo{}, err
	}
	todo.Kind = ActionKind(kind)
	todo.Status = Status(status)
	if len(message) > 0 {
		var msg SendMessageContext
		if err := json.Unmarshal(message, &msg); err != nil {
			return Todo{}, fmt.Errorf("decode message context: %w", err)
		}
		todo.Message = &msg
	}
	return todo, nil
}
