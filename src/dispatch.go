package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Deliver completed messages to the configured sinks.
 *
 * Description:	Sessions hand finished messages to the dispatcher and
 *		get on with the protocol; a single worker goroutine
 *		drains the queue and offers each message to every
 *		sink in turn.  One worker keeps delivery in arrival
 *		order and means a slow LIS endpoint delays files, not
 *		ACKs.
 *
 *		Sinks are independent: a sink that fails is logged and
 *		counted, and the other sinks still get the message.
 *
 *---------------------------------------------------------------*/

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

// Sink consumes completed messages.  Deliver returns only after the
// message is safely out (or definitely lost); retries are the sink's
// own business.
type Sink interface {
	Name() string
	Deliver(msg *Message) error
}

const dispatchQueueDepth = 64

type Dispatcher struct {
	sinks   []Sink
	queue   chan *Message
	done    chan struct{}
	logger  *log.Logger
	metrics *Metrics

	closeOnce sync.Once
}

func NewDispatcher(sinks []Sink, logger *log.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	var d = &Dispatcher{
		sinks:   sinks,
		queue:   make(chan *Message, dispatchQueueDepth),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}

	go d.run()

	return d
}

// Dispatch enqueues one message.  Never blocks the calling session:
// if the queue is full the message is dropped and logged, the same
// way a failing sink would lose it.
func (d *Dispatcher) Dispatch(msg *Message) {
	d.metrics.MessagesDispatched.Inc()

	select {
	case d.queue <- msg:
	default:
		d.logger.Error("dispatch queue full, dropping message", "records", len(msg.Records))
		d.metrics.SinkFailures.WithLabelValues("queue").Inc()
	}
}

// Close stops accepting and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for msg := range d.queue {
		for _, sink := range d.sinks {
			var err = sink.Deliver(msg)
			if err != nil {
				d.logger.Error("sink failed", "sink", sink.Name(), "err", err)
				d.metrics.SinkFailures.WithLabelValues(sink.Name()).Inc()
				continue
			}
			d.logger.Debug("delivered", "sink", sink.Name(), "records", len(msg.Records))
		}
	}
}
