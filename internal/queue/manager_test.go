package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/config"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := NewManager(rdb, config.RedisConfig{QueueName: "jobs", ResultTTL: time.Hour}, "w1", logger)
	return m, mr
}

type fakeHandler struct {
	mu      sync.Mutex
	seen    []string
	results map[string]job.Result
}

func (f *fakeHandler) Handle(_ context.Context, j job.Job) job.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, j.ID)
	if res, ok := f.results[j.ID]; ok {
		return res
	}
	return job.Result{Status: job.StatusSuccess, Message: "ok"}
}

func TestAddAndGetTask(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	task := NewTask("", json.RawMessage(`{"workflow_name":"basic"}`))
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if err := m.AddTask(ctx, task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskStatusPending || string(got.Input) != `{"workflow_name":"basic"}` {
		t.Errorf("unexpected task %+v", got)
	}
	if ids, _ := mr.List("jobs"); len(ids) != 1 || ids[0] != task.ID {
		t.Errorf("expected task id in pending list, got %v", ids)
	}

	if _, err := m.GetTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestAddTaskRejectsDuplicateID(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTask(ctx, NewTask("d1", json.RawMessage(`{"n":1}`))); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTask(ctx, NewTask("d1", json.RawMessage(`{"n":2}`))); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	if ids, _ := mr.List("jobs"); len(ids) != 1 {
		t.Errorf("expected one queued id, got %v", ids)
	}

	done, _ := m.GetTask(ctx, "d1")
	done.MarkStarted()
	done.MarkFinished(job.Result{Status: job.StatusSuccess, Message: "img"})
	if err := m.UpdateTask(ctx, done); err != nil {
		t.Fatal(err)
	}

	if err := m.AddTask(ctx, NewTask("d1", json.RawMessage(`{"n":3}`))); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists for finished id, got %v", err)
	}
	got, err := m.GetTask(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusCompleted || got.Result == nil || got.Result.Message != "img" || string(got.Input) != `{"n":1}` {
		t.Errorf("expected stored result to survive, got %+v", got)
	}
}

func TestRunProcessesInOrderAndStopsOnRefresh(t *testing.T) {
	m, mr := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		if err := m.AddTask(ctx, NewTask(id, json.RawMessage(`{}`))); err != nil {
			t.Fatal(err)
		}
	}

	h := &fakeHandler{results: map[string]job.Result{
		"t2": job.Failure("Invalid JSON format in input"),
		"t3": {Status: job.StatusSuccess, Message: "img", RefreshWorker: true},
	}}

	if err := m.Run(ctx, h); !errors.Is(err, ErrRefreshRequested) {
		t.Fatalf("expected ErrRefreshRequested, got %v", err)
	}

	if len(h.seen) != 3 || h.seen[0] != "t1" || h.seen[1] != "t2" || h.seen[2] != "t3" {
		t.Errorf("unexpected processing order %v", h.seen)
	}

	want := map[string]TaskStatus{
		"t1": TaskStatusCompleted,
		"t2": TaskStatusFailed,
		"t3": TaskStatusCompleted,
		"t4": TaskStatusPending,
	}
	for id, status := range want {
		task, err := m.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != status {
			t.Errorf("%s status = %s, want %s", id, task.Status, status)
		}
	}

	failed, _ := m.GetTask(ctx, "t2")
	if failed.Error != "Invalid JSON format in input" || failed.Result == nil {
		t.Errorf("expected failure recorded, got %+v", failed)
	}
	if ttl := mr.TTL("jobs:task:t1"); ttl <= 0 {
		t.Errorf("expected finished task to expire, ttl %v", ttl)
	}
	if ttl := mr.TTL("jobs:task:t4"); ttl != 0 {
		t.Errorf("expected pending task to persist, ttl %v", ttl)
	}
	if mr.Exists("jobs:processing:w1") {
		inFlight, _ := mr.List("jobs:processing:w1")
		if len(inFlight) != 0 {
			t.Errorf("expected no in-flight tasks, got %v", inFlight)
		}
	}

	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.PendingTasks != 1 || metrics.CompletedTasks != 2 || metrics.FailedTasks != 1 {
		t.Errorf("unexpected metrics %+v", metrics)
	}
}

func TestRunSkipsCancelledTasks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task := NewTask("gone", json.RawMessage(`{}`))
	if err := m.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	// cancelled after being taken off the list
	task.MarkCancelled()
	if err := m.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTask(ctx, NewTask("last", json.RawMessage(`{}`))); err != nil {
		t.Fatal(err)
	}

	h := &fakeHandler{results: map[string]job.Result{
		"last": {Status: job.StatusSuccess, RefreshWorker: true},
	}}
	if err := m.Run(ctx, h); !errors.Is(err, ErrRefreshRequested) {
		t.Fatalf("unexpected error %v", err)
	}
	if len(h.seen) != 1 || h.seen[0] != "last" {
		t.Errorf("expected only the live task to run, got %v", h.seen)
	}
}

func TestRunStopsOnContextDone(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx, &fakeHandler{}); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	task := NewTask("c1", json.RawMessage(`{}`))
	if err := m.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	cancelled, err := m.CancelTask(ctx, "c1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != TaskStatusCancelled {
		t.Errorf("unexpected status %s", cancelled.Status)
	}
	if ids, _ := mr.List("jobs"); len(ids) != 0 {
		t.Errorf("expected pending list to be empty, got %v", ids)
	}

	if _, err := m.CancelTask(ctx, "c1"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
	if _, err := m.CancelTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancelTaskAlreadyTaken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTask(ctx, NewTask("c2", json.RawMessage(`{}`))); err != nil {
		t.Fatal(err)
	}
	// popped by the consumer, not yet marked running
	if err := m.redis.LMove(ctx, "jobs", "jobs:processing:w1", "RIGHT", "LEFT").Err(); err != nil {
		t.Fatal(err)
	}

	if _, err := m.CancelTask(ctx, "c2"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	got, _ := m.GetTask(ctx, "c2")
	if got.Status != TaskStatusPending {
		t.Errorf("expected task left pending for the consumer, got %s", got.Status)
	}
}

func TestRecoverRequeuesInFlightTasks(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	task := NewTask("r1", json.RawMessage(`{}`))
	task.MarkStarted()
	if err := m.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := mr.Lpush("jobs:processing:w1", "r1"); err != nil {
		t.Fatal(err)
	}

	n, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered task, got %d", n)
	}

	got, _ := m.GetTask(ctx, "r1")
	if got.Status != TaskStatusPending || got.StartedAt != nil {
		t.Errorf("expected task reset to pending, got %+v", got)
	}
	if ids, _ := mr.List("jobs"); len(ids) != 1 || ids[0] != "r1" {
		t.Errorf("expected task back in pending list, got %v", ids)
	}
}

func TestTaskMarkFinished(t *testing.T) {
	task := NewTask("x", nil)
	task.MarkFinished(job.Result{Status: job.StatusError, Message: "No output images found in the output directory"})
	if task.Status != TaskStatusFailed || task.Error != "No output images found in the output directory" {
		t.Errorf("unexpected task %+v", task)
	}
	if !task.Status.Terminal() || task.CompletedAt == nil {
		t.Error("expected terminal task with completion time")
	}
}

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) TaskStarted(_ context.Context, id string) {
	o.events = append(o.events, "start:"+id)
}

func (o *recordingObserver) TaskFinished(_ context.Context, id string, status TaskStatus) {
	o.events = append(o.events, "finish:"+id+":"+string(status))
}

func TestRunNotifiesObserver(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs := &recordingObserver{}
	m.SetObserver(obs)

	if err := m.AddTask(ctx, NewTask("o1", json.RawMessage(`{}`))); err != nil {
		t.Fatal(err)
	}
	h := &fakeHandler{results: map[string]job.Result{
		"o1": {Status: job.StatusError, Message: "boom", Error: "boom", RefreshWorker: true},
	}}
	if err := m.Run(ctx, h); !errors.Is(err, ErrRefreshRequested) {
		t.Fatalf("unexpected error %v", err)
	}

	want := []string{"start:o1", "finish:o1:failed"}
	if len(obs.events) != len(want) || obs.events[0] != want[0] || obs.events[1] != want[1] {
		t.Errorf("events = %v, want %v", obs.events, want)
	}
}

type gatedHandler struct {
	entered chan string
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
}

func (g *gatedHandler) Handle(_ context.Context, j job.Job) job.Result {
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.entered <- j.ID
	time.Sleep(g.delay)
	g.active.Add(-1)
	return job.Result{Status: job.StatusSuccess, Message: j.ID, RefreshWorker: j.ID == "q1"}
}

func TestExecuteTaskWaitsForQueuedJob(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs := &recordingObserver{}
	m.SetObserver(obs)

	if err := m.AddTask(ctx, NewTask("q1", json.RawMessage(`{}`))); err != nil {
		t.Fatal(err)
	}
	h := &gatedHandler{entered: make(chan string, 2), delay: 100 * time.Millisecond}

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx, h) }()

	if id := <-h.entered; id != "q1" {
		t.Fatalf("expected queued job first, got %s", id)
	}

	syncTask := NewTask("s1", json.RawMessage(`{}`))
	if err := m.ExecuteTask(ctx, syncTask, h); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := <-runErr; !errors.Is(err, ErrRefreshRequested) {
		t.Fatalf("unexpected run error %v", err)
	}

	if peak := h.peak.Load(); peak != 1 {
		t.Errorf("expected one job at a time, peak %d", peak)
	}
	if syncTask.Status != TaskStatusCompleted || syncTask.Result == nil || syncTask.Result.Message != "s1" {
		t.Errorf("unexpected sync task %+v", syncTask)
	}
	stored, err := m.GetTask(ctx, "s1")
	if err != nil || stored.Status != TaskStatusCompleted {
		t.Errorf("expected stored sync result, got %+v, %v", stored, err)
	}

	want := []string{"start:q1", "finish:q1:completed", "start:s1", "finish:s1:completed"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i := range want {
		if obs.events[i] != want[i] {
			t.Errorf("events = %v, want %v", obs.events, want)
			break
		}
	}

	metrics, _ := m.GetMetrics(ctx)
	if metrics.CompletedTasks != 2 {
		t.Errorf("expected both jobs counted, got %+v", metrics)
	}
}

func TestExecuteTaskRejectsDuplicateID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTask(ctx, NewTask("dup", json.RawMessage(`{}`))); err != nil {
		t.Fatal(err)
	}
	h := &fakeHandler{}
	if err := m.ExecuteTask(ctx, NewTask("dup", json.RawMessage(`{}`)), h); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	if len(h.seen) != 0 {
		t.Errorf("expected handler not to run, got %v", h.seen)
	}
}
