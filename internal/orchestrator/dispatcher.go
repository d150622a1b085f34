package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/logging"
)

// ResultHandler receives completed attempt outcomes. The Driver implements it.
type ResultHandler interface {
	HandleResult(ctx context.Context, res activity.Result) error
}

// LocalDispatcher runs activities in-process through an Invoker and feeds
// results straight back to the handler. Used by tests and the single-binary
// dev mode; production dispatch goes through NSQ.
type LocalDispatcher struct {
	Invoker *activity.Invoker
	Handler ResultHandler
	Log     *logging.Logger

	wg sync.WaitGroup
}

func NewLocalDispatcher(inv *activity.Invoker, log *logging.Logger) *LocalDispatcher {
	if log == nil {
		log = logging.New("freightwatch-local")
	}
	return &LocalDispatcher{Invoker: inv, Log: log}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, task activity.Task, delay time.Duration) error {
	// Detach from the caller's request context: the attempt outlives the
	// HTTP request that started the run.
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		res := d.Invoker.Execute(ctx, task)
		if err := d.Handler.HandleResult(ctx, res); err != nil {
			d.Log.WithContext(ctx).WithRun(task.RunID).WithActivity(task.Activity).WithError(err).Error("result handling failed")
		}
	}()
	return nil
}

// Wait blocks until all in-flight attempts have reported. Test helper.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
