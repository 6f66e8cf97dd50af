package todos

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrTodoNotFound      = errors.New("todo not found")
	ErrInvalidTodo       = errors.New("invalid todo")
	ErrInvalidTransition = errors.New("invalid todo status transition")
)

// Store is the narrow surface the executor depends on.
type Store interface {
	// ListFor returns a snapshot ordered by creation.
	ListFor(ctx context.Context, owner, resource string) ([]Todo, error)
	UpdateStatus(ctx context.Context, owner, resource, todoID string, status Status, errMsg string) error
}

// ObservableStore is the full store used by the app and the drive loop.
type ObservableStore interface {
	Store
	Add(ctx context.Context, req AddRequest) (Todo, error)
	Get(ctx context.Context, owner, resource, todoID string) (Todo, error)
	Remove(ctx context.Context, owner, resource, todoID string) error
	Retry(ctx context.Context, owner, resource, todoID string) (Todo, error)
	ClearFinished(ctx context.Context, owner, resource string) (int, error)
	PendingPairs(ctx context.Context, owner string) ([]Pair, error)
	RecoverProcessing(ctx context.Context) (int, error)
	Subscribe() (<-chan Change, func())
	Close() error
}

// Options select a store backend. DatabaseURL wins over BoltPath; with
// neither set the store is in-memory.
type Options struct {
	DatabaseURL string
	BoltPath    string
}

const (
	ModePostgres = "postgres"
	ModeBolt     = "bolt"
	ModeInMemory = "in-memory"
)

// Open returns the store selected by opts and the name of its backend.
func Open(ctx context.Context, opts Options) (ObservableStore, string, error) {
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		s, err := NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, ModePostgres, nil
	case strings.TrimSpace(opts.BoltPath) != "":
		s, err := NewBoltStore(opts.BoltPath)
		if err != nil {
			return nil, "", err
		}
		return s, ModeBolt, nil
	default:
		return NewInMemoryStore(), ModeInMemory, nil
	}
}

func normalizeAdd(req AddRequest) (AddRequest, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Resource = strings.TrimSpace(req.Resource)
	req.Actor = strings.TrimSpace(req.Actor)
	req.PendingMessageID = strings.TrimSpace(req.PendingMessageID)
	if req.Owner == "" {
		return AddRequest{}, errors.Join(ErrInvalidTodo, errors.New("owner is required"))
	}
	if req.Resource == "" {
		return AddRequest{}, errors.Join(ErrInvalidTodo, errors.New("resource is required"))
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return AddRequest{}, errors.Join(ErrInvalidTodo, errors.New("content or attachments are required"))
	}
	if req.Actor == "" {
		req.Actor = req.Owner
	}
	return req, nil
}

func messageFrom(req AddRequest) *SendMessageContext {
	msg := &SendMessageContext{
		Actor:            req.Actor,
		Resource:         req.Resource,
		Content:          req.Content,
		PendingMessageID: req.PendingMessageID,
	}
	if len(req.Attachments) > 0 {
		msg.Attachments = append([]Attachment(nil), req.Attachments...)
	}
	if len(req.Mentions) > 0 {
		msg.Mentions = append([]string(nil), req.Mentions...)
	}
	return msg
}
