// Package queue implements a base, priority-free task queue: a reentrant
// scheduler that runs up to maxParallel sessions concurrently, republishes
// every session event verbatim onto the global bus, and layers the
// task_metadata/task_progress/task_completed/task_canceled lifecycle on top
// so a bus subscriber can track a task's state without touching session
// internals. Terminal task outcome is derived from the session_end event
// rather than from its own bookkeeping.
//
// The bounded-parallelism dispatch loop is grounded on goa-ai's
// runtime/agent/engine worker-pool pattern; like bus.Bus, the queue changes
// its state under q.mu and publishes to the bus only after unlocking.
package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cortexrun/agentcore/bus"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/telemetry"
)

type (
	// Status enumerates a queued item's lifecycle state.
	Status string

	// Stats summarizes queue occupancy and throughput.
	Stats struct {
		Queued, Running, Completed, Canceled, Failed int
	}

	// Config configures a Queue.
	Config struct {
		MaxParallel int // default 1
		// Metrics, if set, receives a counter and a duration timer per
		// terminal task outcome. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	item struct {
		task      task.Task
		sess      session.Session
		status    Status
		cancel    context.CancelFunc
		done      chan struct{}
		startTime *time.Time
		endTime   *time.Time
	}

	// Queue runs tasks against pre-bound sessions with bounded parallelism,
	// republishing each session's event stream onto bus b.
	Queue struct {
		mu       sync.Mutex
		cfg      Config
		bus      bus.Bus
		log      telemetry.Logger
		items    map[string]*item // keyed by task id
		pending  []string
		running  int
		disposed bool
		idleCond *sync.Cond
	}
)

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// New constructs a Queue publishing to b with the given config. Zero
// MaxParallel defaults to 1 (strictly sequential).
func New(b bus.Bus, log telemetry.Logger, cfg Config) *Queue {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	q := &Queue{cfg: cfg, bus: b, log: log, items: make(map[string]*item)}
	q.idleCond = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules t to run against sess. sess must already be bound (e.g.
// acquired from a pool) — Queue does not own session lifecycle.
func (q *Queue) Enqueue(t task.Task, sess session.Session) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return errDisposed
	}
	if _, dup := q.items[t.ID]; dup {
		q.mu.Unlock()
		return errDuplicate
	}
	it := &item{task: t, sess: sess, status: StatusQueued, done: make(chan struct{})}
	q.items[t.ID] = it
	q.pending = append(q.pending, t.ID)
	depth := len(q.pending)
	q.mu.Unlock()

	ctx := context.Background()
	q.publishMetadata(ctx, it)
	q.publishProgress(ctx, t.ID, "enqueued, depth="+strconv.Itoa(depth))

	q.dispatch()
	return nil
}

// dispatch starts runnable items while under the parallelism cap. Must not
// be called with q.mu held.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.disposed || q.running >= q.cfg.MaxParallel || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		it, ok := q.items[id]
		if !ok || it.status != StatusQueued {
			q.mu.Unlock()
			continue
		}
		it.status = StatusRunning
		q.running++
		now := time.Now()
		it.startTime = &now
		q.mu.Unlock()

		go q.run(it)
	}
}

func (q *Queue) run(it *item) {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	it.cancel = cancel
	q.mu.Unlock()

	q.publishMetadata(ctx, it)
	q.publishProgress(ctx, it.task.ID, "started")

	ch, err := it.sess.Run(ctx, it.task)
	if err != nil {
		q.finish(it, StatusFailed)
		cancel()
		return
	}

	final := StatusCompleted
	for evt := range ch {
		q.bus.Publish(ctx, evt)
		if end, ok := evt.(event.SessionEnd); ok {
			switch end.Reason {
			case event.SessionEndAborted:
				final = StatusCanceled
			case event.SessionEndError:
				final = StatusFailed
			}
		}
	}
	cancel()
	q.finish(it, final)
}

func (q *Queue) finish(it *item, status Status) {
	q.mu.Lock()
	it.status = status
	now := time.Now()
	it.endTime = &now
	q.running--
	close(it.done)
	q.idleCond.Broadcast()
	q.mu.Unlock()

	var dur time.Duration
	if it.startTime != nil {
		dur = now.Sub(*it.startTime)
	}
	q.cfg.Metrics.IncCounter("queue.task."+string(status), 1)
	q.cfg.Metrics.RecordTimer("queue.task.duration", dur, "status", string(status))

	ctx := context.Background()
	q.publishMetadata(ctx, it)
	if status == StatusCanceled {
		q.bus.Publish(ctx, event.TaskCanceled{Base: event.NewBase(event.TypeTaskCanceled, ""), TaskID: it.task.ID, Reason: "aborted"})
	} else {
		errStr := ""
		if status == StatusFailed {
			errStr = "session run failed"
		}
		q.bus.Publish(ctx, event.TaskCompleted{Base: event.NewBase(event.TypeTaskCompleted, ""), TaskID: it.task.ID, Status: taskStatus(status), Duration: dur, Error: errStr})
	}

	q.dispatch()
}

// taskStatus maps a queue-local Status to the shared event.TaskStatus
// vocabulary used by task_metadata/task_completed.
func taskStatus(s Status) event.TaskStatus {
	switch s {
	case StatusQueued:
		return event.TaskPending
	case StatusRunning:
		return event.TaskRunning
	case StatusCompleted:
		return event.TaskSuccess
	case StatusCanceled:
		return event.TaskCanceled
	case StatusFailed:
		return event.TaskError
	default:
		return event.TaskPending
	}
}

func (q *Queue) publishMetadata(ctx context.Context, it *item) {
	q.mu.Lock()
	md := event.TaskMetadata{
		Base:      event.NewBase(event.TypeTaskMetadata, ""),
		TaskID:    it.task.ID,
		Status:    taskStatus(it.status),
		StartTime: it.startTime,
		EndTime:   it.endTime,
	}
	if it.startTime != nil && it.endTime != nil {
		d := it.endTime.Sub(*it.startTime)
		md.Duration = &d
	}
	q.mu.Unlock()
	q.bus.Publish(ctx, md)
}

func (q *Queue) publishProgress(ctx context.Context, taskID, msg string) {
	q.bus.Publish(ctx, event.TaskProgress{Base: event.NewBase(event.TypeTaskProgress, ""), TaskID: taskID, Message: msg})
}

// Cancel aborts a queued or running task. Queued-but-not-started tasks are
// marked canceled without ever invoking the session.
func (q *Queue) Cancel(id string) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if it.status == StatusQueued {
		it.status = StatusCanceled
		now := time.Now()
		it.endTime = &now
		close(it.done)
		for i, p := range q.pending {
			if p == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		ctx := context.Background()
		q.publishMetadata(ctx, it)
		q.bus.Publish(ctx, event.TaskCanceled{Base: event.NewBase(event.TypeTaskCanceled, ""), TaskID: id, Reason: "user canceled"})
		return
	}
	cancel := it.cancel
	q.mu.Unlock()
	if cancel != nil {
		it.sess.Abort(id)
		cancel()
	}
}

// Clear removes every queued (not yet started) item without touching
// running ones.
func (q *Queue) Clear() {
	q.mu.Lock()
	var canceled []*item
	for _, id := range q.pending {
		if it, ok := q.items[id]; ok && it.status == StatusQueued {
			it.status = StatusCanceled
			now := time.Now()
			it.endTime = &now
			close(it.done)
			canceled = append(canceled, it)
		}
	}
	q.pending = nil
	q.mu.Unlock()

	ctx := context.Background()
	for _, it := range canceled {
		q.publishMetadata(ctx, it)
		q.bus.Publish(ctx, event.TaskCanceled{Base: event.NewBase(event.TypeTaskCanceled, ""), TaskID: it.task.ID, Reason: "queue cleared"})
	}
}

// Dispose cancels every in-flight task and refuses further Enqueue calls.
func (q *Queue) Dispose() {
	q.mu.Lock()
	q.disposed = true
	for _, it := range q.items {
		if it.status == StatusRunning && it.cancel != nil {
			it.cancel()
		}
	}
	q.mu.Unlock()
}

// Status reports the current status of task id.
func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return "", false
	}
	return it.status, true
}

// Stats returns current queue occupancy and cumulative outcome counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, it := range q.items {
		switch it.status {
		case StatusQueued:
			s.Queued++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusCanceled:
			s.Canceled++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// WaitIdle blocks until no task is queued or running, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.running > 0 || len(q.pending) > 0 {
			q.idleCond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	errDisposed  = queueError("queue: disposed")
	errDuplicate = queueError("queue: duplicate task id")
)

type queueError string

func (e queueError) Error() string { return string(e) }
