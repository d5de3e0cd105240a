package trigger

import (
	"context"
	"sync"
)

// merged fans the Triggers channels of several Sources into one. Start and
// Stop fan out to every member; Stop is idempotent and safe to call more
// than once.
type merged struct {
	members []Source
	out     chan Trigger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	once    sync.Once
}

// Merge combines several Sources into one, relaying every trigger any
// member produces. Useful for combining the kernel-probe exec/exit source
// with the kmsg OOM source into a single Source for trigger.Run.
func Merge(members ...Source) Source {
	return &merged{members: members, out: make(chan Trigger, 256)}
}

func (m *merged) Triggers() <-chan Trigger { return m.out }

func (m *merged) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, src := range m.members {
		if err := src.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	for _, src := range m.members {
		m.wg.Add(1)
		go m.relay(src)
	}

	go func() {
		<-ctx.Done()
		m.wg.Wait()
		close(m.out)
	}()

	return nil
}

// relay forwards every trigger from src to m.out. It blocks when m.out is
// full: the trigger stream is unbounded at the source (spec "the trigger
// stream is unbounded at the source") and Merge imposes no drop policy of
// its own — a dropped ProcessEnd would leave a process "monitored" forever,
// and a dropped ProcessStart/OOM would silently break correlation
// downstream.
func (m *merged) relay(src Source) {
	defer m.wg.Done()
	for t := range src.Triggers() {
		m.out <- t
	}
}

func (m *merged) Stop() {
	m.once.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		for _, src := range m.members {
			src.Stop()
		}
		if cancel != nil {
			cancel()
		}
	})
}
