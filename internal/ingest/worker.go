package ingest

import (
	"context"
	"log/slog"
	"sync"
)

// Pool dispatches commits to a bounded set of workers so slow disk or
// database I/O does not stall the association's network read loop beyond
// the queue depth. A full queue blocks Submit, which the sender observes
// as a delayed acknowledgement; nothing is ever dropped.
type Pool struct {
	router *Router
	log    *slog.Logger

	queue chan commitTask

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
}

type commitTask struct {
	ctx   context.Context
	obj   Object
	reply chan commitOutcome
}

type commitOutcome struct {
	result Result
	err    error
}

// NewPool constructs a commit pool with the given worker count and queue
// depth. Values below one are clamped.
func NewPool(router *Router, workers, depth int, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		router:  router,
		log:     log,
		queue:   make(chan commitTask, depth),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}
}

// Start begins processing commits.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Stop signals the workers to halt and waits for completion.
func (p *Pool) Stop(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			result, err := p.router.Commit(task.ctx, task.obj)
			task.reply <- commitOutcome{result: result, err: err}
		}
	}
}

// Submit enqueues one object and waits for its commit outcome.
func (p *Pool) Submit(ctx context.Context, obj Object) (Result, error) {
	task := commitTask{ctx: ctx, obj: obj, reply: make(chan commitOutcome, 1)}
	select {
	case p.queue <- task:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, p.ctx.Err()
	}
	select {
	case out := <-task.reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		// stopped with the task still queued; no worker will reply
		return Result{}, p.ctx.Err()
	}
}
