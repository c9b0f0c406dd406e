package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type createJob struct {
	userID string
	key    string
	title  string
	body   string
	// deduped is set when key was recorded by the deduper (rolled back on failure).
	deduped bool
}

// PoolOptions sizes the create dispatcher.
type PoolOptions struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// Dispatcher hands create requests to a bounded set of workers. Failures are
// reported to subscribers since the HTTP request has already been answered.
type Dispatcher struct {
	creator Creator
	deduper Deduper
	logger  *log.Logger
	opts    PoolOptions

	mu     sync.RWMutex
	jobs   chan createJob
	closed bool
	wg     sync.WaitGroup

	failures *failureBroker
}

// NewDispatcher starts the workers.
func NewDispatcher(creator Creator, deduper Deduper, logger *log.Logger, opts PoolOptions) *Dispatcher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	d := &Dispatcher{
		creator:  creator,
		deduper:  deduper,
		logger:   logger,
		opts:     opts,
		jobs:     make(chan createJob, opts.Buffer),
		failures: newFailureBroker(),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("create dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.Timeout, opts.HandoffTimeout)
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.jobs {
		if err := d.run(j); err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"user":   j.userID,
				"key":    j.key,
				"worker": id,
			}).Error("create failed")
			d.failures.publish(CreateFailure{IdempotencyKey: j.key, Title: j.title, Error: err.Error(), userID: j.userID})
		}
	}
}

// run performs the create call and rolls back the dedupe record on failure.
func (d *Dispatcher) run(j createJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	note, err := d.creator.CreateNote(ctx, j.title, j.body)
	if err != nil {
		if j.deduped && d.deduper != nil {
			if rerr := d.deduper.Remove(context.Background(), j.userID, j.key); rerr != nil {
				d.logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, j.key, j.userID)
			}
		}
		return err
	}
	d.logger.WithFields(log.Fields{"user": j.userID, "key": j.key, "note": note.ID}).Debug("create submitted")
	return nil
}

// trySubmit hands job to a worker, waiting at most the handoff timeout when
// the buffer is full. It reports false when the job was not accepted.
func (d *Dispatcher) trySubmit(job createJob) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- job:
		return true
	default:
	}
	if d.opts.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(d.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

// Failures subscribes to asynchronous create failures.
func (d *Dispatcher) Failures() (<-chan CreateFailure, func()) {
	return d.failures.subscribe()
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

const failureBuffer = 16

type failureBroker struct {
	mu   sync.Mutex
	subs map[chan CreateFailure]struct{}
}

func newFailureBroker() *failureBroker {
	return &failureBroker{subs: make(map[chan CreateFailure]struct{})}
}

func (b *failureBroker) subscribe() (<-chan CreateFailure, func()) {
	ch := make(chan CreateFailure, failureBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// publish drops the failure for subscribers that are not keeping up.
func (b *failureBroker) publish(f CreateFailure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
}
