package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/topiclane/internal/todos"
)

var ErrRateLimited = errors.New("message send rate limited")

// SendMessageRequest is the payload delivered to the chat backend for one
// queued todo.
type SendMessageRequest struct {
	TodoID           string             `json:"todo_id,omitempty"`
	Actor            string             `json:"actor"`
	Resource         string             `json:"resource"`
	Content          string             `json:"content"`
	Attachments      []todos.Attachment `json:"attachments,omitempty"`
	Mentions         []string           `json:"mentions,omitempty"`
	PendingMessageID string             `json:"pending_message_id,omitempty"`
}

// RequestFromTodo builds a request from the context captured at enqueue
// time.
func RequestFromTodo(todo todos.Todo) (SendMessageRequest, error) {
	if todo.Message == nil {
		return SendMessageRequest{}, fmt.Errorf("todo %s has no message context", todo.ID)
	}
	msg := todo.Message
	resource := msg.Resource
	if resource == "" {
		resource = todo.Resource
	}
	return SendMessageRequest{
		TodoID:           todo.ID,
		Actor:            msg.Actor,
		Resource:         resource,
		Content:          msg.Content,
		Attachments:      msg.Attachments,
		Mentions:         msg.Mentions,
		PendingMessageID: msg.PendingMessageID,
	}, nil
}

// Sender performs the send-message side effect.
type Sender interface {
	SendMessage(ctx context.Context, req SendMessageRequest) error
}

// Blocker records a server-imposed cool-down for an actor.
type Blocker interface {
	Block(actor string, until time.Time)
}

type Config struct {
	Mode        string
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	Blocker     Blocker
}

func NewSender(cfg Config) (Sender, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) == "" {
			return NewMockSender(), nil
		}
		return NewHTTPSender(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("message sender URL is required for http mode")
		}
		return NewHTTPSender(cfg), nil
	case "mock":
		return NewMockSender(), nil
	default:
		return nil, fmt.Errorf("unsupported message sender mode %q", cfg.Mode)
	}
}
