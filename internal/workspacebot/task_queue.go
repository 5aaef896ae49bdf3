package workspacebot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

type TaskResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

func (r TaskResult) Failed() bool {
	return r.Error != ""
}

type TaskQueueOptions struct {
	Capacity int
	Logger   Logger
}

// TaskQueue runs submitted tasks one at a time in submission order. Task
// failures are logged and reported to watchers but never stop the worker. A
// zero task acts as the shutdown sentinel.
type TaskQueue struct {
	ch       chan queuedTask
	logger   Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	watchers map[chan TaskResult]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type queuedTask struct {
	task   Task
	result chan TaskResult
}

func NewTaskQueue(opts TaskQueueOptions) *TaskQueue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 128
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		ch:       make(chan queuedTask, capacity),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watchers: map[chan TaskResult]struct{}{},
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.worker()
	}()
	return q
}

// Submit enqueues a task without blocking. The returned channel delivers
// exactly one result once the task has run.
func (q *TaskQueue) Submit(task Task) (<-chan TaskResult, error) {
	if task.Run == nil {
		return nil, ErrInvalidInput
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	result := make(chan TaskResult, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	select {
	case q.ch <- queuedTask{task: task, result: result}:
		q.mu.Unlock()
		return result, nil
	default:
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
}

// Watch registers a listener that receives every task result. The returned
// cancel function must be called to release the listener. Slow listeners miss
// results instead of stalling the worker.
func (q *TaskQueue) Watch() (<-chan TaskResult, func()) {
	ch := make(chan TaskResult, 16)
	q.mu.Lock()
	q.watchers[ch] = struct{}{}
	q.mu.Unlock()
	cancel := func() {
		q.mu.Lock()
		delete(q.watchers, ch)
		q.mu.Unlock()
	}
	return ch, cancel
}

func (q *TaskQueue) Depth() int {
	return len(q.ch)
}

func (q *TaskQueue) Capacity() int {
	return cap(q.ch)
}

// Close stops accepting tasks, lets the worker drain what was already queued,
// and waits for it to exit.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.ch <- queuedTask{}
	q.wg.Wait()
	q.cancel()
}

func (q *TaskQueue) worker() {
	for queued := range q.ch {
		if queued.task.Run == nil {
			return
		}
		start := time.Now()
		err := queued.task.Run(q.ctx)
		result := TaskResult{
			ID:       queued.task.ID,
			Name:     queued.task.Name,
			Duration: time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
			q.logger.Printf("task %s (%s) failed after %s: %v", queued.task.Name, queued.task.ID, result.Duration.Round(time.Millisecond), err)
		}
		queued.result <- result
		q.broadcast(result)
	}
}

func (q *TaskQueue) broadcast(result TaskResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for watcher := range q.watchers {
		select {
		case watcher <- result:
		default:
		}
	}
}
