package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/config"
	"github.com/freightwatch/freightwatch/internal/logging"
	"github.com/freightwatch/freightwatch/internal/tracing"
)

// NSQDispatcher publishes activity tasks to the tasks topic. Backoff delays
// use DeferredPublish so the retry wait lives in nsqd, not in a goroutine
// that dies with the process.
type NSQDispatcher struct {
	prod  *nsq.Producer
	topic string
}

func NewNSQDispatcher(nsqdTCPAddr, topic string) (*NSQDispatcher, error) {
	prod, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQDispatcher{prod: prod, topic: topic}, nil
}

func (d *NSQDispatcher) Dispatch(ctx context.Context, task activity.Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if delay > 0 {
		return d.prod.DeferredPublish(d.topic, delay, body)
	}
	return d.prod.Publish(d.topic, body)
}

func (d *NSQDispatcher) Stop() {
	d.prod.Stop()
}

// NewResultConsumer subscribes the orchestrator to the results topic. A
// result that fails to commit (store down, sequence conflict from a racing
// writer) is requeued and replayed against the then-current history; stale
// duplicates are dropped inside HandleResult.
func NewResultConsumer(cfg config.NSQ, maxInFlight int, handler ResultHandler, log *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = maxInFlight
	consumer, err := nsq.NewConsumer(cfg.ResultsTopic, cfg.ResultsChannel, conf)
	if err != nil {
		return nil, err
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var res activity.Result
		if err := json.Unmarshal(m.Body, &res); err != nil {
			log.Plain().WithError(err).Error("bad result payload")
			return nil // terminal: don't retry bad payloads
		}

		ctx := tracing.ExtractTraceFromQueue(context.Background(), res.TraceHeaders)
		if err := handler.HandleResult(ctx, res); err != nil {
			log.WithContext(ctx).WithRun(res.RunID).WithActivity(res.Activity).WithError(err).Warn("result commit failed, requeueing")
			m.Requeue(5 * time.Second)
			return nil
		}
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return nil, err
	}
	if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
		return nil, err
	}
	return consumer, nil
}
