// Package workerpool runs jobs on a fixed set of goroutines. Jobs are
// grouped in rooms; a room collects the outcomes of its own jobs.
package workerpool

import (
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("workerpool: global queue is full")
	ErrClosed    = errors.New("workerpool: pool is closed")
)

type Config struct {
	WorkerCount  int // defaults to 3 per CPU
	GlobalBuffer int // queued jobs across all rooms, defaults to 10000
}

type WorkerPool struct {
	config    Config
	taskQueue chan task
	workers   sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// Job is one unit of work. Its value and error end up in an Outcome.
type Job func() (interface{}, error)

// Outcome is the result of the job submitted as number Index in its room.
type Outcome struct {
	Index int
	Value interface{}
	Err   error
}

type Room struct {
	wp       *WorkerPool
	next     atomic.Int64
	pending  sync.WaitGroup
	mu       sync.Mutex
	outcomes []Outcome
}

type task struct {
	index int
	run   Job
	room  *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		value, err := t.run()
		t.room.record(Outcome{Index: t.index, Value: value, Err: err})
	}
}

// Workers returns the number of goroutines running jobs.
func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

// Close stops accepting jobs and waits until every queued job ran. No
// room may queue a job concurrently with Close.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.closed.Store(true)
		close(wp.taskQueue)
	})
	wp.workers.Wait()
}

func (wp *WorkerPool) CreateRoom() *Room {
	return &Room{wp: wp}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global queue is
// full, and returns its index in the room.
func (ro *Room) NewTaskWaitForFreeSlot(job Job) (int, error) {
	if ro.wp.closed.Load() {
		return 0, ErrClosed
	}
	index := int(ro.next.Add(1) - 1)
	ro.pending.Add(1)
	ro.wp.taskQueue <- task{index: index, run: job, room: ro}
	return index, nil
}

// NewTask queues job or fails with ErrQueueFull instead of blocking.
func (ro *Room) NewTask(job Job) (int, error) {
	if ro.wp.closed.Load() {
		return 0, ErrClosed
	}
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return 0, ErrQueueFull
	}
	return ro.NewTaskWaitForFreeSlot(job)
}

func (ro *Room) record(o Outcome) {
	ro.mu.Lock()
	ro.outcomes = append(ro.outcomes, o)
	ro.mu.Unlock()
	ro.pending.Done()
}

// Collect waits for every job queued so far and returns the outcomes in
// submission order.
func (ro *Room) Collect() []Outcome {
	ro.pending.Wait()

	ro.mu.Lock()
	defer ro.mu.Unlock()
	out := make([]Outcome, len(ro.outcomes))
	copy(out, ro.outcomes)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Err returns the first job error in submission order after waiting for
// every job.
func (ro *Room) Err() error {
	for _, o := range ro.Collect() {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
