package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dparodi/vocalia/internal/task"
)

// Registry maps task types to their pools. The pool set is fixed at
// construction, so routing is a plain map read with no locking.
type Registry struct {
	pools map[task.Type]*Pool
}

func NewRegistry(pools ...*Pool) (*Registry, error) {
	r := &Registry{pools: make(map[task.Type]*Pool, len(pools))}
	for _, p := range pools {
		if _, dup := r.pools[p.Type()]; dup {
			return nil, fmt.Errorf("registry: duplicate pool for task type %s", p.Type())
		}
		r.pools[p.Type()] = p
	}
	return r, nil
}

// Route submits t to the pool registered for its type.
func (r *Registry) Route(ctx context.Context, t task.Task) (task.Result, error) {
	p, ok := r.pools[t.Type]
	if !ok {
		return task.Result{}, task.NewError(task.KindUnknownTaskType,
			fmt.Sprintf("no pool registered for task type %q", t.Type))
	}
	return p.Submit(ctx, t)
}

// Pool returns the pool for a task type, if one is registered.
func (r *Registry) Pool(t task.Type) (*Pool, bool) {
	p, ok := r.pools[t]
	return p, ok
}

// Describe reports every pool's status, ordered by task type for stable output.
func (r *Registry) Describe() []Status {
	out := make([]Status, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Shutdown drains every pool in parallel and returns once all are done.
func (r *Registry) Shutdown(grace time.Duration) {
	var wg sync.WaitGroup
	for _, p := range r.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Shutdown(grace)
		}(p)
	}
	wg.Wait()
}
