package trigger

import (
	"context"
	"time"
)

// Batch groups triggers by kind, the shape the Process-Group Manager's
// handle_starts/handle_ends/handle_oom operations consume (spec §4.3).
type Batch struct {
	Starts []ProcessStart
	Ends   []ProcessEnd
	OOMs   []OOMRecord
}

// Empty reports whether the batch carries no triggers.
func (b Batch) Empty() bool {
	return len(b.Starts) == 0 && len(b.Ends) == 0 && len(b.OOMs) == 0
}

const (
	// MaxBatchSize is the largest number of triggers coalesced into one
	// Batch before being handed off (spec §4.1, §5).
	MaxBatchSize = 100

	// CoalesceWindow is how long the reader waits for additional triggers
	// after the first one in a batch, before handing the batch off (spec
	// §4.1, §5).
	CoalesceWindow = 10 * time.Millisecond

	// IdleTimeout bounds how long the reader blocks with no triggers at
	// all before re-checking for shutdown (spec §4.1, §5).
	IdleTimeout = 5 * time.Second
)

// Handler receives each coalesced Batch. Implementations correspond to the
// Process-Group Manager's handle_starts / handle_oom / handle_ends, called
// in that order for a batch that mixes kinds.
type Handler func(ctx context.Context, b Batch) error

// Run drives the spec §5 "Trigger-source loop": read from src, coalesce up
// to MaxBatchSize triggers with a CoalesceWindow grace period after the
// first trigger of a batch, call handle for every non-empty batch, and
// exit promptly when ctx is cancelled. An IdleTimeout bounds the wait for
// the first trigger of the next batch so shutdown is observed even when
// the source is silent.
//
// Run blocks until ctx is cancelled or src's channel closes; it does not
// call src.Stop itself — the caller owns the Source's lifecycle.
func Run(ctx context.Context, src Source, handle Handler) error {
	ch := src.Triggers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case first, ok := <-ch:
			if !ok {
				return nil
			}

			b := accumulate(Batch{}, first)
			timer := time.NewTimer(CoalesceWindow)
		coalesce:
			for len(b.Starts)+len(b.Ends)+len(b.OOMs) < MaxBatchSize {
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case t, ok := <-ch:
					if !ok {
						break coalesce
					}
					b = accumulate(b, t)
				case <-timer.C:
					break coalesce
				}
			}
			timer.Stop()

			if !b.Empty() {
				if err := handle(ctx, b); err != nil {
					return err
				}
			}
		case <-time.After(IdleTimeout):
			// Nothing arrived within IdleTimeout; loop back to re-check
			// ctx.Done() promptly (spec §5 "Cooperative suspension occurs
			// on channel receive").
		}
	}
}

func accumulate(b Batch, t Trigger) Batch {
	switch t.Kind {
	case KindStart:
		b.Starts = append(b.Starts, t.Start)
	case KindEnd:
		b.Ends = append(b.Ends, t.End)
	case KindOOM:
		b.OOMs = append(b.OOMs, t.OOM)
	}
	return b
}
