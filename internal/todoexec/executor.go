package todoexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/topiclane/internal/lanes"
	"github.com/ent0n29/topiclane/internal/messaging"
	"github.com/ent0n29/topiclane/internal/observability"
	"github.com/ent0n29/topiclane/internal/redact"
	"github.com/ent0n29/topiclane/internal/todos"
)

const (
	defaultBusyRetryDelay      = 300 * time.Millisecond
	defaultRateLimitRetryDelay = 2 * time.Second
	statusWriteTimeout         = 10 * time.Second
)

// ActivationChecker reports whether automatic execution is allowed for an
// owner.
type ActivationChecker interface {
	Contains(owner string) bool
}

// BusyFunc reports whether a resource is mid an unrelated operation.
type BusyFunc func(resource string) bool

// RateLimitFunc reports whether a send by actor right now would be rejected.
type RateLimitFunc func(actor string) bool

type Config struct {
	BusyRetryDelay      time.Duration
	RateLimitRetryDelay time.Duration
	// SendTimeout bounds one send. Zero means no deadline.
	SendTimeout time.Duration
}

type Deps struct {
	Store      todos.Store
	Activation ActivationChecker
	Sender     messaging.Sender
	Busy       BusyFunc
	RateLimit  RateLimitFunc
	// Lanes, when set, runs every send on the resource's lane so sends for
	// one resource never overlap across owners.
	Lanes   *lanes.Registry
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Executor drives todos for each (owner, resource) pair through
// Pending -> Processing -> Done|Failed, one at a time per pair, and chains to
// the next Pending todo until the pair drains or has to back off.
type Executor struct {
	cfg     Config
	store   todos.Store
	active  ActivationChecker
	sender  messaging.Sender
	busy    BusyFunc
	limited RateLimitFunc
	lanes   *lanes.Registry
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[todos.Pair]struct{}
	timers   map[todos.Pair]*time.Timer
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Store == nil {
		return nil, errors.New("todo store is required")
	}
	if deps.Activation == nil {
		return nil, errors.New("activation checker is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("message sender is required")
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = defaultBusyRetryDelay
	}
	if cfg.RateLimitRetryDelay <= 0 {
		cfg.RateLimitRetryDelay = defaultRateLimitRetryDelay
	}
	if deps.Busy == nil {
		deps.Busy = func(string) bool { return false }
	}
	if deps.RateLimit == nil {
		deps.RateLimit = func(string) bool { return false }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/ent0n29/topiclane/internal/todoexec")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:      cfg,
		store:    deps.Store,
		active:   deps.Activation,
		sender:   deps.Sender,
		busy:     deps.Busy,
		limited:  deps.RateLimit,
		lanes:    deps.Lanes,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "todoexec"),
		tracer:   deps.Tracer,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[todos.Pair]struct{}),
		timers:   make(map[todos.Pair]*time.Timer),
	}, nil
}

type outcome int

const (
	outcomeIdle outcome = iota
	outcomeExecuted
	outcomeBackoff
)

// ProcessNext works through the Pending todos of one pair. It returns when
// the pair has drained, a backoff timer was scheduled, or another invocation
// already owns the pair. It never returns an error; results are observed
// through the store.
func (e *Executor) ProcessNext(ctx context.Context, owner, resource string) {
	pair := todos.Pair{Owner: strings.TrimSpace(owner), Resource: strings.TrimSpace(resource)}
	if pair.Owner == "" || pair.Resource == "" {
		return
	}

	for {
		if !e.acquire(pair) {
			return
		}
		if e.step(ctx, pair) != outcomeExecuted {
			return
		}
		if !e.chain(ctx, pair) {
			return
		}
	}
}

// Kick runs ProcessNext in the background.
func (e *Executor) Kick(owner, resource string) {
	go e.ProcessNext(e.ctx, owner, resource)
}

// InFlight returns the pairs currently holding the single-flight guard.
func (e *Executor) InFlight() []todos.Pair {
	e.mu.Lock()
	out := make([]todos.Pair, 0, len(e.inFlight))
	for p := range e.inFlight {
		out = append(out, p)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Close stops backoff timers, cancels in-flight sends and waits for every
// step holding the guard to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for pair, t := range e.timers {
		t.Stop()
		delete(e.timers, pair)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Executor) acquire(pair todos.Pair) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, busy := e.inFlight[pair]; busy {
		return false
	}
	e.inFlight[pair] = struct{}{}
	e.wg.Add(1)
	return true
}

func (e *Executor) release(pair todos.Pair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[pair]; !ok {
		return
	}
	delete(e.inFlight, pair)
	e.wg.Done()
}

// step runs one guarded check-and-execute pass. The guard is released on
// every path, including panics in the bookkeeping.
func (e *Executor) step(ctx context.Context, pair todos.Pair) (out outcome) {
	log := e.logger.With("owner", pair.Owner, "resource", pair.Resource)
	defer func() {
		if r := recover(); r != nil {
			log.Error("todo step panicked", "panic", r)
			out = outcomeIdle
		}
		e.release(pair)
	}()

	if !e.active.Contains(pair.Owner) {
		return outcomeIdle
	}
	if e.busy(pair.Resource) {
		e.backoff(pair, "busy", e.cfg.BusyRetryDelay)
		return outcomeBackoff
	}

	list, err := e.store.ListFor(ctx, pair.Owner, pair.Resource)
	if err != nil {
		log.Warn("list todos failed", "error", err)
		return outcomeIdle
	}
	todo, ok := firstPending(list)
	if !ok {
		return outcomeIdle
	}

	if e.limited(actorOf(todo)) {
		e.backoff(pair, "rate_limited", e.cfg.RateLimitRetryDelay)
		return outcomeBackoff
	}

	log = log.With("todo_id", todo.ID)
	if err := e.setStatus(ctx, todo, todos.StatusProcessing, ""); err != nil {
		log.Warn("mark todo processing failed", "error", err)
		return outcomeIdle
	}
	e.metrics.ObserveStage(observability.StageQueueWait, time.Since(todo.CreatedAt))

	started := time.Now()
	sendCtx, span := e.tracer.Start(ctx, "todo.send", trace.WithAttributes(
		attribute.String("todo.id", todo.ID),
		attribute.String("todo.owner", todo.Owner),
		attribute.String("todo.resource", todo.Resource),
	))
	sendErr := e.send(sendCtx, todo)
	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, redact.Error(sendErr))
	}
	span.End()
	e.metrics.ObserveStage(observability.StageSend, time.Since(started))

	switch {
	case sendErr == nil:
		if err := e.setStatus(ctx, todo, todos.StatusDone, ""); err != nil {
			log.Error("mark todo done failed", "error", err)
		}
		log.Info("todo sent", "latency_ms", time.Since(started).Milliseconds())
	case ctx.Err() != nil:
		// Interrupted by shutdown, not a send failure: hand it back to the queue.
		if err := e.setStatus(ctx, todo, todos.StatusPending, ""); err != nil {
			log.Error("requeue interrupted todo failed", "error", err)
		}
		return outcomeIdle
	default:
		msg := redact.Error(sendErr)
		if err := e.setStatus(ctx, todo, todos.StatusFailed, msg); err != nil {
			log.Error("mark todo failed failed", "error", err)
		}
		log.Warn("todo send failed", "error", msg)
	}
	e.metrics.ObserveStage(observability.StageTodoTotal, time.Since(todo.CreatedAt))
	return outcomeExecuted
}

// chain decides, with the guard already released, whether the loop should
// run another step right away.
func (e *Executor) chain(ctx context.Context, pair todos.Pair) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("todo chain panicked", "owner", pair.Owner, "resource", pair.Resource, "panic", r)
			again = false
		}
	}()

	if ctx.Err() != nil {
		return false
	}
	list, err := e.store.ListFor(ctx, pair.Owner, pair.Resource)
	if err != nil {
		e.logger.Warn("list todos failed", "owner", pair.Owner, "resource", pair.Resource, "error", err)
		return false
	}
	if _, ok := firstPending(list); !ok {
		return false
	}
	if e.busy(pair.Resource) {
		e.backoff(pair, "busy", e.cfg.BusyRetryDelay)
		return false
	}
	return true
}

func (e *Executor) send(ctx context.Context, todo todos.Todo) error {
	req, err := messaging.RequestFromTodo(todo)
	if err != nil {
		return err
	}
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("send panicked: %v", r)
			}
		}()
		if e.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()
		}
		return e.sender.SendMessage(ctx, req)
	}
	if e.lanes == nil {
		return run(ctx)
	}
	return e.lanes.Do(ctx, todo.Resource, run)
}

func (e *Executor) setStatus(ctx context.Context, todo todos.Todo, status todos.Status, errMsg string) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := e.store.UpdateStatus(writeCtx, todo.Owner, todo.Resource, todo.ID, status, errMsg); err != nil {
		return fmt.Errorf("update todo %s to %s: %w", todo.ID, status, err)
	}
	e.metrics.ObserveTodoTransition(string(status))
	return nil
}

// backoff schedules one retry for pair. A retry already scheduled for the
// pair is kept.
func (e *Executor) backoff(pair todos.Pair, reason string, delay time.Duration) {
	e.metrics.ObserveBackoff(reason)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.timers[pair]; ok {
		return
	}
	e.logger.Debug("todo backoff", "owner", pair.Owner, "resource", pair.Resource, "reason", reason, "delay_ms", delay.Milliseconds())
	e.timers[pair] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, pair)
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		e.ProcessNext(e.ctx, pair.Owner, pair.Resource)
	})
}

func firstPending(list []todos.Todo) (todos.Todo, bool) {
	for _, t := range list {
		if t.Kind == todos.ActionSendMessage && t.Status == todos.StatusPending {
			return t, true
		}
	}
	return todos.Todo{}, false
}

func actorOf(todo todos.Todo) string {
	if todo.Message != nil && todo.Message.Actor != "" {
		return todo.Message.Actor
	}
	return todo.Owner
}
