package routing

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/mobility-simulator/core"
)

// Recorder receives routing timings; observability.SimCollector implements it.
type Recorder interface {
	ObserveRoute(d time.Duration, found bool)
}

// Router serves shortest path queries against the live graph. It never
// caches results: every query reads the current costs and bans.
type Router struct {
	g       core.View
	workers int
	rec     Recorder
}

// Option customises a Router.
type Option func(*Router)

// WithWorkers lets RouteAll spread independent queries over n goroutines.
func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRecorder attaches a timing recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.rec = rec }
}

// New constructs a Router.
func New(g core.View, opts ...Option) *Router {
	r := &Router{g: g, workers: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route answers one query.
func (r *Router) Route(q Query) (Path, bool) {
	start := time.Now()
	p, ok := ShortestPath(r.g, q)
	if r.rec != nil {
		r.rec.ObserveRoute(time.Since(start), ok)
	}
	return p, ok
}

// Result pairs a query outcome with its position in the batch.
type Result struct {
	Path  Path
	Found bool
}

// RouteAll answers a batch of queries. Queries only read the graph, so they
// may run concurrently; results are returned in query order so callers can
// apply them deterministically.
func (r *Router) RouteAll(ctx context.Context, qs []Query) []Result {
	out := make([]Result, len(qs))
	if r.workers <= 1 || len(qs) < 2 {
		for i, q := range qs {
			if ctx.Err() != nil {
				break
			}
			out[i].Path, out[i].Found = r.Route(q)
		}
		return out
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				out[i].Path, out[i].Found = r.Route(qs[i])
			}
		}()
	}
feed:
	for i := range qs {
		select {
		case <-ctx.Done():
			break feed
		case idx <- i:
		}
	}
	close(idx)
	wg.Wait()
	return out
}
