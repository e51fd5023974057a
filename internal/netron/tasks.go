package netron

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/netwire/internal/netron/wire"
	"golang.org/x/sync/errgroup"
)

const (
	TaskConfig      = "config"
	TaskContextDefs = "contextDefs"
)

// Task runs on a node on behalf of peer, the caller.
type Task interface {
	Run(ctx context.Context, peer Peer, args ...any) (any, error)
}

type TaskFunc func(ctx context.Context, peer Peer, args ...any) (any, error)

func (f TaskFunc) Run(ctx context.Context, peer Peer, args ...any) (any, error) {
	return f(ctx, peer, args...)
}

// TaskCall names one task of a batch.
type TaskCall struct {
	Name string `cbor:"name" json:"name"`
	Args []any  `cbor:"args,omitempty" json:"args,omitempty"`
}

// TaskResult holds either a result or the task's error.
type TaskResult struct {
	Result any
	Err    error
}

// Decode converts the result into v, typically after it crossed the wire
// as a generic value.
func (r TaskResult) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	return wire.Convert(r.Result, v)
}

type taskOutcome struct {
	Result any       `cbor:"result,omitempty"`
	Error  *errorMsg `cbor:"error,omitempty"`
}

// Tasks is a registry of named tasks.
type Tasks struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func newTasks() *Tasks {
	return &Tasks{tasks: make(map[string]Task)}
}

func (t *Tasks) Add(name string, task Task) error {
	if name == "" || task == nil {
		return fmt.Errorf("%w: task needs a name and a body", ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.tasks[name]; dup {
		return fmt.Errorf("%w: task %q", ErrAlreadyExists, name)
	}
	t.tasks[name] = task
	return nil
}

func (t *Tasks) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, name)
}

func (t *Tasks) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tasks))
	for name := range t.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *Tasks) get(name string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[name]
	return task, ok
}

// run executes a batch concurrently. A failing or unknown task only fails
// its own entry.
func (t *Tasks) run(ctx context.Context, peer Peer, limit int, calls []TaskCall) (map[string]TaskResult, error) {
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: task %q listed twice", ErrInvalidArgument, c.Name)
		}
		seen[c.Name] = true
	}

	var (
		mu  sync.Mutex
		out = make(map[string]TaskResult, len(calls))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, c := range calls {
		g.Go(func() error {
			res := t.runOne(gctx, peer, c)
			mu.Lock()
			out[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (t *Tasks) runOne(ctx context.Context, peer Peer, c TaskCall) (res TaskResult) {
	task, ok := t.get(c.Name)
	if !ok {
		return TaskResult{Err: fmt.Errorf("%w: task %q", ErrNotExists, c.Name)}
	}
	defer func() {
		if r := recover(); r != nil {
			res = TaskResult{Err: fmt.Errorf("%w: task %q panicked: %v", ErrInternal, c.Name, r)}
		}
	}()
	v, err := task.Run(ctx, peer, c.Args...)
	return TaskResult{Result: v, Err: err}
}

func outcomes(results map[string]TaskResult) map[string]taskOutcome {
	out := make(map[string]taskOutcome, len(results))
	for name, r := range results {
		if r.Err != nil {
			msg := toErrorMsg(r.Err)
			out[name] = taskOutcome{Error: &msg}
			continue
		}
		out[name] = taskOutcome{Result: r.Result}
	}
	return out
}

func fromOutcomes(in map[string]taskOutcome) map[string]TaskResult {
	out := make(map[string]TaskResult, len(in))
	for name, o := range in {
		if o.Error != nil {
			out[name] = TaskResult{Err: o.Error.err()}
			continue
		}
		out[name] = TaskResult{Result: o.Result}
	}
	return out
}

// NodeInfo is the result of the config task.
type NodeInfo struct {
	ID        string   `cbor:"id" json:"id"`
	Name      string   `cbor:"name" json:"name"`
	Version   string   `cbor:"version" json:"version"`
	Generator string   `cbor:"generator" json:"generator"`
	Tasks     []string `cbor:"tasks" json:"tasks"`
}

func builtinTasks(n *Node) map[string]Task {
	return map[string]Task{
		TaskConfig: TaskFunc(func(context.Context, Peer, ...any) (any, error) {
			return n.Info(), nil
		}),
		TaskContextDefs: TaskFunc(func(context.Context, Peer, ...any) (any, error) {
			return n.Definitions(), nil
		}),
	}
}
