package messaging

import (
	"context"
	"sync"
	"time"
)

// MockSender records every request. It succeeds unless Fail returns an
// error for the request.
type MockSender struct {
	mu    sync.Mutex
	calls []SendMessageRequest

	Delay time.Duration
	Fail  func(SendMessageRequest) error
}

func NewMockSender() *MockSender { return &MockSender{} }

func (s *MockSender) SendMessage(ctx context.Context, req SendMessageRequest) error {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Delay):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	fail := s.Fail
	s.mu.Unlock()

	if fail != nil {
		return fail(req)
	}
	return nil
}

func (s *MockSender) Calls() []SendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendMessageRequest(nil), s.calls...)
}
