package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cyclecount/internal/domain"
)

// EventSink receives audit events in order.
type EventSink interface {
	AppendEvents(ctx context.Context, evts []domain.Event) error
}

type MirrorStats struct {
	Writes    int64  `json:"writes"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Mirror writes task snapshots and audit events from a background goroutine. Persist never
// waits for I/O: only the newest snapshot is kept between writes, events queue in order.
// Write failures are logged and counted; the in-memory task stays authoritative.
type Mirror struct {
	store   Store
	key     string
	sink    EventSink
	log     logrus.FieldLogger
	timeout time.Duration

	mu      sync.Mutex
	pending *domain.InventoryTask
	events  []domain.Event
	waiters []chan struct{}
	closed  bool
	stats   MirrorStats

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMirror starts the writer goroutine. sink may be nil.
func NewMirror(st Store, key string, sink EventSink, log logrus.FieldLogger) *Mirror {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Mirror{
		store:   st,
		key:     key,
		sink:    sink,
		log:     log.WithFields(logrus.Fields{"module": "store", "key": key}),
		timeout: 10 * time.Second,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) Persist(t domain.InventoryTask, evts ...domain.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.WithField("task_id", t.ID).Warn("persist after close dropped")
		return
	}
	snap := t.Clone()
	m.pending = &snap
	m.events = append(m.events, evts...)
	m.mu.Unlock()
	m.nudge()
}

// Flush waits until everything persisted before the call has been written.
func (m *Mirror) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return nil
	default:
	}
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	m.nudge()
	select {
	case <-ch:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding writes and stops the goroutine.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mirror) Stats() MirrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Mirror) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.stop:
			m.drain()
			return
		}
	}
}

func (m *Mirror) drain() {
	for {
		m.mu.Lock()
		task, evts := m.pending, m.events
		m.pending, m.events = nil, nil
		if task == nil && len(evts) == 0 {
			waiters := m.waiters
			m.waiters = nil
			m.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
			return
		}
		m.mu.Unlock()
		m.write(task, evts)
	}
}

func (m *Mirror) write(task *domain.InventoryTask, evts []domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if task != nil {
		if err := m.store.Save(ctx, m.key, *task); err != nil {
			m.fail(err, logrus.Fields{"func": "Save", "task_id": task.ID, "version": task.Version})
		} else {
			m.mu.Lock()
			m.stats.Writes++
			m.mu.Unlock()
		}
	}
	if len(evts) > 0 && m.sink != nil {
		if err := m.sink.AppendEvents(ctx, evts); err != nil {
			m.fail(err, logrus.Fields{"func": "AppendEvents", "events": len(evts)})
		}
	}
}

func (m *Mirror) fail(err error, fields logrus.Fields) {
	m.mu.Lock()
	m.stats.Failures++
	m.stats.LastError = err.Error()
	m.mu.Unlock()
	m.log.WithFields(fields).WithError(err).Error("persist failed")
}
