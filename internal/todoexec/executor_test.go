package todoexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ent0n29/topiclane/internal/activation"
	"github.com/ent0n29/topiclane/internal/events"
	"github.com/ent0n29/topiclane/internal/lanes"
	"github.com/ent0n29/topiclane/internal/messaging"
	"github.com/ent0n29/topiclane/internal/todos"
)

const (
	testOwner    = "asst-1"
	testResource = "topic-9"
)

type senderFunc func(ctx context.Context, req messaging.SendMessageRequest) error

func (f senderFunc) SendMessage(ctx context.Context, req messaging.SendMessageRequest) error {
	return f(ctx, req)
}

type harness struct {
	exec   *Executor
	store  *todos.InMemoryStore
	active *activation.Set
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, sender messaging.Sender, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	store := todos.NewInMemoryStore()
	active := activation.NewSet(testOwner)
	cfg := Config{
		BusyRetryDelay:      20 * time.Millisecond,
		RateLimitRetryDelay: 40 * time.Millisecond,
	}
	deps := Deps{
		Store:      store,
		Activation: active,
		Sender:     sender,
		Logger:     quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	exec, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(exec.Close)
	return &harness{exec: exec, store: store, active: active}
}

func (h *harness) insert(t *testing.T, id, resource, content string) {
	t.Helper()
	h.store.Insert(todos.Todo{
		ID:       id,
		Owner:    testOwner,
		Resource: resource,
		Message:  &todos.SendMessageContext{Actor: testOwner, Resource: resource, Content: content},
	})
}

func (h *harness) status(t *testing.T, resource, id string) todos.Status {
	t.Helper()
	return h.get(t, resource, id).Status
}

func (h *harness) get(t *testing.T, resource, id string) todos.Todo {
	t.Helper()
	todo, err := h.store.Get(context.Background(), testOwner, resource, id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return todo
}

func (h *harness) wantStatus(t *testing.T, resource, id string, want todos.Status) {
	t.Helper()
	if got := h.status(t, resource, id); got != want {
		t.Fatalf("todo %s status = %s, want %s", id, got, want)
	}
}

func (h *harness) wantIdle(t *testing.T) {
	t.Helper()
	if got := h.exec.InFlight(); len(got) != 0 {
		t.Fatalf("InFlight() = %v, want none", got)
	}
}

func wantCalls(t *testing.T, sender *messaging.MockSender, want int) {
	t.Helper()
	if got := len(sender.Calls()); got != want {
		t.Fatalf("send calls = %d, want %d", got, want)
	}
}

func (h *harness) waitStatus(t *testing.T, resource, id string, want todos.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.status(t, resource, id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("todo %s status = %s, want %s", id, h.status(t, resource, id), want)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestProcessNextDrainsPairInOneCall(t *testing.T) {
	sender := messaging.NewMockSender()
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "first")
	h.insert(t, "t2", testResource, "second")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)

	h.wantStatus(t, testResource, "t1", todos.StatusDone)
	h.wantStatus(t, testResource, "t2", todos.StatusDone)
	h.wantIdle(t)

	pairs, err := h.store.PendingPairs(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("PendingPairs() error = %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("PendingPairs() = %v, want none", pairs)
	}

	wantCalls(t, sender, 2)
	first := sender.Calls()[0]
	if first.Content != "first" || first.Resource != testResource || first.Actor != testOwner {
		t.Fatalf("first send = %+v, want content=first resource=%s actor=%s", first, testResource, testOwner)
	}
}

func TestProcessNextIsSingleFlight(t *testing.T) {
	var running, maxRunning atomic.Int32
	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		entered <- struct{}{}
		<-gate
		return nil
	})
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "a")
	h.insert(t, "t2", testResource, "b")

	done := make(chan struct{})
	go func() {
		h.exec.ProcessNext(context.Background(), testOwner, testResource)
		close(done)
	}()
	<-entered

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.exec.ProcessNext(context.Background(), testOwner, testResource)
		}()
	}
	wg.Wait()

	want := []todos.Pair{{Owner: testOwner, Resource: testResource}}
	if got := h.exec.InFlight(); !reflect.DeepEqual(got, want) {
		t.Fatalf("InFlight() = %v, want %v", got, want)
	}
	h.wantStatus(t, testResource, "t1", todos.StatusProcessing)
	h.wantStatus(t, testResource, "t2", todos.StatusPending)

	close(gate)
	<-done
	h.wantStatus(t, testResource, "t1", todos.StatusDone)
	h.wantStatus(t, testResource, "t2", todos.StatusDone)
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("max concurrent sends = %d, want 1", got)
	}
	h.wantIdle(t)
}

func TestProcessNextPreservesOrderUnderManyTriggers(t *testing.T) {
	var mu sync.Mutex
	var order []string
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, req.Content)
		mu.Unlock()
		return nil
	})
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "T1")
	h.insert(t, "t2", testResource, "T2")
	h.insert(t, "t3", testResource, "T3")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.exec.ProcessNext(context.Background(), testOwner, testResource)
		}()
	}
	wg.Wait()
	h.waitStatus(t, testResource, "t3", todos.StatusDone)

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"T1", "T2", "T3"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("send order = %v, want %v", order, want)
	}
}

func TestProcessNextResourcesAreIndependent(t *testing.T) {
	release := make(chan struct{})
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		if req.Resource == "topic-a" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	bus := events.NewBus(quietLogger())
	reg := lanes.NewRegistry(bus, lanes.Options{}, quietLogger())
	h := newHarness(t, sender, func(_ *Config, d *Deps) { d.Lanes = reg })
	h.insert(t, "a1", "topic-a", "slow")
	h.insert(t, "b1", "topic-b", "fast")

	h.exec.Kick(testOwner, "topic-a")
	waitFor(t, func() bool { return reg.HasPending("topic-a") }, "send queued on the topic-a lane")
	h.wantStatus(t, "topic-a", "a1", todos.StatusProcessing)

	h.exec.ProcessNext(context.Background(), testOwner, "topic-b")
	h.wantStatus(t, "topic-b", "b1", todos.StatusDone)
	h.wantStatus(t, "topic-a", "a1", todos.StatusProcessing)

	close(release)
	h.waitStatus(t, "topic-a", "a1", todos.StatusDone)
	waitFor(t, func() bool { return !reg.HasPending("topic-a") }, "topic-a lane idle")
}

func TestProcessNextBusyBacksOffWithoutTouchingStatus(t *testing.T) {
	var busy atomic.Bool
	busy.Store(true)
	sender := messaging.NewMockSender()
	h := newHarness(t, sender, func(_ *Config, d *Deps) {
		d.Busy = func(resource string) bool { return resource == testResource && busy.Load() }
	})
	h.insert(t, "t1", testResource, "x")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusPending)
	wantCalls(t, sender, 0)
	h.wantIdle(t)

	busy.Store(false)
	h.waitStatus(t, testResource, "t1", todos.StatusDone)
}

func TestProcessNextBusyWhileChainingDefersNext(t *testing.T) {
	var busy atomic.Bool
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		if req.Content == "first" {
			busy.Store(true)
		}
		return nil
	})
	h := newHarness(t, sender, func(_ *Config, d *Deps) {
		d.Busy = func(string) bool { return busy.Load() }
	})
	h.insert(t, "t1", testResource, "first")
	h.insert(t, "t2", testResource, "second")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusDone)
	h.wantStatus(t, testResource, "t2", todos.StatusPending)

	busy.Store(false)
	h.waitStatus(t, testResource, "t2", todos.StatusDone)
}

func TestProcessNextRateLimitedOnceRetriesLater(t *testing.T) {
	var checks atomic.Int32
	sender := messaging.NewMockSender()
	h := newHarness(t, sender, func(_ *Config, d *Deps) {
		d.RateLimit = func(actor string) bool { return checks.Add(1) == 1 }
	})
	h.insert(t, "t1", testResource, "x")

	start := time.Now()
	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusPending)
	wantCalls(t, sender, 0)

	h.waitStatus(t, testResource, "t1", todos.StatusDone)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("retry after %s, want at least 40ms", elapsed)
	}
	if got := checks.Load(); got != 2 {
		t.Fatalf("rate limit checks = %d, want 2", got)
	}
}

func TestProcessNextFailureDoesNotBlockLaterTodos(t *testing.T) {
	sender := messaging.NewMockSender()
	sender.Fail = func(req messaging.SendMessageRequest) error {
		if req.Content == "T1" {
			return errors.New("upstream rejected")
		}
		return nil
	}
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "T1")
	h.insert(t, "t2", testResource, "T2")
	h.insert(t, "t3", testResource, "T3")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)

	t1 := h.get(t, testResource, "t1")
	if t1.Status != todos.StatusFailed || t1.Error != "upstream rejected" {
		t.Fatalf("t1 = status %s error %q, want failed %q", t1.Status, t1.Error, "upstream rejected")
	}
	h.wantStatus(t, testResource, "t2", todos.StatusDone)
	h.wantStatus(t, testResource, "t3", todos.StatusDone)

	// Failed todos are never picked up again on their own.
	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	wantCalls(t, sender, 3)
}

func TestRetryDuringSendDoesNotResend(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var sends atomic.Int32
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		sends.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "x")

	done := make(chan struct{})
	go func() {
		h.exec.ProcessNext(context.Background(), testOwner, testResource)
		close(done)
	}()
	<-entered

	if _, err := h.store.Retry(context.Background(), testOwner, testResource, "t1"); !errors.Is(err, todos.ErrInvalidTransition) {
		t.Fatalf("Retry() on a processing todo error = %v, want %v", err, todos.ErrInvalidTransition)
	}
	h.wantStatus(t, testResource, "t1", todos.StatusProcessing)

	close(release)
	<-done
	h.wantStatus(t, testResource, "t1", todos.StatusDone)

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	if got := sends.Load(); got != 1 {
		t.Fatalf("t1 sent %d times, want 1", got)
	}
}

func TestRetryAfterFailureSendsAgain(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	sender := messaging.NewMockSender()
	sender.Fail = func(messaging.SendMessageRequest) error {
		if fail.Load() {
			return errors.New("upstream rejected")
		}
		return nil
	}
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "x")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusFailed)

	fail.Store(false)
	retried, err := h.store.Retry(context.Background(), testOwner, testResource, "t1")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.Status != todos.StatusPending || retried.Error != "" {
		t.Fatalf("Retry() = status %s error %q, want pending with no error", retried.Status, retried.Error)
	}

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusDone)
	wantCalls(t, sender, 2)
}

func TestProcessNextRedactsStoredFailure(t *testing.T) {
	sender := messaging.NewMockSender()
	sender.Fail = func(messaging.SendMessageRequest) error {
		return errors.New("rejected for sam@example.com: token=abcdef1234567890")
	}
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "x")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)

	t1 := h.get(t, testResource, "t1")
	if t1.Status != todos.StatusFailed {
		t.Fatalf("status = %s, want %s", t1.Status, todos.StatusFailed)
	}
	for _, secret := range []string{"sam@example.com", "abcdef1234567890"} {
		if strings.Contains(t1.Error, secret) {
			t.Fatalf("stored error %q leaks %q", t1.Error, secret)
		}
	}
	if !strings.Contains(t1.Error, "rejected for") {
		t.Fatalf("stored error %q lost its message", t1.Error)
	}
}

func TestProcessNextRecordsSendSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sender := messaging.NewMockSender()
	sender.Fail = func(req messaging.SendMessageRequest) error {
		if req.Content == "T2" {
			return errors.New("upstream rejected")
		}
		return nil
	}
	h := newHarness(t, sender, func(_ *Config, d *Deps) { d.Tracer = tp.Tracer("test") })
	h.insert(t, "t1", testResource, "T1")
	h.insert(t, "t2", testResource, "T2")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "todo.send" {
		t.Fatalf("span name = %q, want %q", spans[0].Name(), "todo.send")
	}
	if got := spans[0].Status().Code; got != codes.Unset {
		t.Fatalf("first span status = %v, want %v", got, codes.Unset)
	}
	if got := spans[1].Status().Code; got != codes.Error {
		t.Fatalf("second span status = %v, want %v", got, codes.Error)
	}
	found := false
	for _, kv := range spans[1].Attributes() {
		if kv == attribute.String("todo.id", "t2") {
			found = true
		}
	}
	if !found {
		t.Fatalf("second span attributes = %v, want todo.id=t2", spans[1].Attributes())
	}
}

func TestProcessNextInactiveOwnerIsNoop(t *testing.T) {
	sender := messaging.NewMockSender()
	h := newHarness(t, sender, nil)
	h.active.Deactivate(testOwner)
	h.insert(t, "t1", testResource, "x")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusPending)
	wantCalls(t, sender, 0)

	h.active.Activate(testOwner)
	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantStatus(t, testResource, "t1", todos.StatusDone)
}

func TestProcessNextRecoversFromPanickingSender(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		panic("sender exploded")
	})
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "x")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.wantIdle(t)

	t1 := h.get(t, testResource, "t1")
	if t1.Status != todos.StatusFailed || !strings.Contains(t1.Error, "sender exploded") {
		t.Fatalf("t1 = status %s error %q, want failed with the panic message", t1.Status, t1.Error)
	}
}

func TestCloseStopsPendingBackoff(t *testing.T) {
	var busy atomic.Bool
	busy.Store(true)
	sender := messaging.NewMockSender()
	h := newHarness(t, sender, func(_ *Config, d *Deps) {
		d.Busy = func(string) bool { return busy.Load() }
	})
	h.insert(t, "t1", testResource, "x")

	h.exec.ProcessNext(context.Background(), testOwner, testResource)
	h.exec.Close()
	busy.Store(false)

	time.Sleep(60 * time.Millisecond)
	h.wantStatus(t, testResource, "t1", todos.StatusPending)
	wantCalls(t, sender, 0)
}

func TestCloseRequeuesInterruptedSend(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req messaging.SendMessageRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, sender, nil)
	h.insert(t, "t1", testResource, "x")

	h.exec.Kick(testOwner, testResource)
	h.waitStatus(t, testResource, "t1", todos.StatusProcessing)

	h.exec.Close()
	h.wantStatus(t, testResource, "t1", todos.StatusPending)
	h.wantIdle(t)
}

func TestCloseSkipsSendQueuedBehindBusyLane(t *testing.T) {
	bus := events.NewBus(quietLogger())
	reg := lanes.NewRegistry(bus, lanes.Options{}, quietLogger())
	gate := make(chan struct{})
	reg.Enqueue(testResource, func(context.Context) error { <-gate; return nil })

	sender := messaging.NewMockSender()
	h := newHarness(t, sender, func(_ *Config, d *Deps) { d.Lanes = reg })
	h.insert(t, "t1", testResource, "x")

	h.exec.Kick(testOwner, testResource)
	waitFor(t, func() bool { return reg.Size(testResource) == 2 }, "send queued behind the running task")

	h.exec.Close()
	h.wantStatus(t, testResource, "t1", todos.StatusPending)

	close(gate)
	awaitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.AwaitIdle(awaitCtx, testResource); err != nil {
		t.Fatalf("AwaitIdle() error = %v", err)
	}
	wantCalls(t, sender, 0)
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatalf("New() with no deps error = nil, want error")
	}

	exec, err := New(Config{}, Deps{
		Store:      todos.NewInMemoryStore(),
		Activation: activation.NewSet(),
		Sender:     messaging.NewMockSender(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer exec.Close()
	if exec.cfg.BusyRetryDelay != 300*time.Millisecond {
		t.Fatalf("BusyRetryDelay = %s, want 300ms", exec.cfg.BusyRetryDelay)
	}
	if exec.cfg.RateLimitRetryDelay != 2*time.Second {
		t.Fatalf("RateLimitRetryDelay = %s, want 2s", exec.cfg.RateLimitRetryDelay)
	}
}
