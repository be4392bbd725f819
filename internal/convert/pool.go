package convert

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 8

// Task converts one prepared tensor and reports the files it wrote.
type Task struct {
	Name string
	Run  func(ctx context.Context) ([]ShardFile, error)
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Name    string
	Shards  []ShardFile
	Err     error
	Elapsed time.Duration
	Skipped bool
}

// Pool runs tasks on a bounded number of goroutines.
type Pool struct {
	size int
	// OnDone, if set, is called once per task as it finishes. Calls are
	// serialised.
	OnDone func(TaskResult)
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &Pool{size: size}
}

func (p *Pool) Size() int { return p.size }

// Run executes every task and waits for all of them. A failing task does not
// stop its siblings. Once ctx is done, tasks that have not started are
// skipped with ctx.Err(); running tasks finish. Results are returned in task
// order along with the joined task errors.
func (p *Pool) Run(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	results := make([]TaskResult, len(tasks))
	var doneMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.size)
	for i, task := range tasks {
		g.Go(func() error {
			var r TaskResult
			if err := ctx.Err(); err != nil {
				r = TaskResult{Name: task.Name, Err: err, Skipped: true}
			} else {
				r = runTask(ctx, task)
			}
			results[i] = r

			if p.OnDone != nil {
				doneMu.Lock()
				p.OnDone(r)
				doneMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func runTask(ctx context.Context, task Task) (r TaskResult) {
	start := time.Now()
	r.Name = task.Name
	defer func() {
		if v := recover(); v != nil {
			r.Err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
		r.Elapsed = time.Since(start)
	}()
	r.Shards, r.Err = task.Run(ctx)
	return r
}
