package engine

import (
	"context"
	"errors"
	"sync"

	"cyclecount/internal/annotate"
	"cyclecount/internal/domain"
)

var ErrNoTask = errors.New("no open task; open one first")

// Session owns the task a single operator is working on. Operations are serialised and the
// current value is replaced only when an operation succeeds.
type Session struct {
	Engine Engine

	mu   sync.Mutex
	task domain.InventoryTask
	open bool
}

func NewSession(e Engine) *Session {
	return &Session{Engine: e}
}

// Task returns the current task value and whether one is open.
func (s *Session) Task() (domain.InventoryTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task, s.open
}

// Open keeps an unfinished in-memory task and otherwise defers to Engine.Open.
func (s *Session) Open(ctx context.Context, date string) (domain.InventoryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open && s.task.Phase != domain.PhaseCompleted {
		return s.task, nil
	}
	t, err := s.Engine.Open(ctx, date)
	if err != nil {
		return s.task, err
	}
	s.task, s.open = t, true
	return t, nil
}

// Current returns the open task, opening today's task on first use.
func (s *Session) Current(ctx context.Context) (domain.InventoryTask, error) {
	if t, ok := s.Task(); ok {
		return t, nil
	}
	return s.Open(ctx, "")
}

func (s *Session) apply(fn func(domain.InventoryTask) (domain.InventoryTask, error)) (domain.InventoryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return domain.InventoryTask{}, ErrNoTask
	}
	next, err := fn(s.task)
	if err != nil {
		return s.task, err
	}
	s.task = next
	return next, nil
}

func (s *Session) Start(ctx context.Context) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Start(ctx, t)
	})
}

func (s *Session) Scan(ctx context.Context, serial string) (domain.InventoryTask, bool, error) {
	var dup bool
	t, err := s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		next, d, err := s.Engine.Scan(ctx, t, serial)
		dup = d
		return next, err
	})
	return t, dup, err
}

func (s *Session) Unscan(ctx context.Context, serial string) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Unscan(ctx, t, serial)
	})
}

func (s *Session) SetQuantity(ctx context.Context, sku string, n int) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.SetQuantity(ctx, t, sku, n)
	})
}

func (s *Session) Finalize(ctx context.Context) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Finalize(ctx, t)
	})
}

func (s *Session) Reopen(ctx context.Context) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Reopen(ctx, t)
	})
}

func (s *Session) ResetReconciliation(ctx context.Context) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.ResetReconciliation(ctx, t)
	})
}

func (s *Session) Annotate(ctx context.Context, sku string, a annotate.Annotation) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Annotate(ctx, t, sku, a)
	})
}

func (s *Session) Sign(ctx context.Context, signedBy, image string) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Sign(ctx, t, signedBy, image)
	})
}

func (s *Session) Complete(ctx context.Context) (domain.InventoryTask, error) {
	return s.apply(func(t domain.InventoryTask) (domain.InventoryTask, error) {
		return s.Engine.Complete(ctx, t)
	})
}

// Close waits for pending writes and stops the mirror.
func (s *Session) Close(ctx context.Context) error {
	if s.Engine.Mirror == nil {
		return nil
	}
	return s.Engine.Mirror.Close(ctx)
}
