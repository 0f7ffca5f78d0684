package llm

import (
	"context"
	"io"
	"sync"
)

// deltaStream adapts a producer function to the Stream interface. The
// producer runs in its own goroutine and writes deltas to a channel; Recv
// reads until the producer returns. A producer error is surfaced from Recv
// after all buffered deltas have been drained.
type deltaStream struct {
	deltas <-chan Delta
	errc   <-chan error
	cancel context.CancelFunc

	closeOnce sync.Once
	err       error
	done      bool
}

// NewDeltaStream runs fn in a goroutine and exposes its output as a Stream.
// fn must return when ctx is done.
func NewDeltaStream(ctx context.Context, fn func(ctx context.Context, deltas chan<- Delta) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	deltas := make(chan Delta, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(deltas)
		errc <- fn(ctx, deltas)
	}()
	return &deltaStream{deltas: deltas, errc: errc, cancel: cancel}
}

func (s *deltaStream) Recv() (Delta, error) {
	if s.done {
		if s.err != nil {
			return Delta{}, s.err
		}
		return Delta{}, io.EOF
	}
	delta, ok := <-s.deltas
	if !ok {
		s.done = true
		if err := <-s.errc; err != nil {
			s.err = err
			return Delta{}, err
		}
		return Delta{}, io.EOF
	}
	return delta, nil
}

func (s *deltaStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// Drain so the producer goroutine can exit.
		go func() {
			for range s.deltas {
			}
		}()
	})
	return nil
}

// SliceStream returns a Stream over a fixed set of deltas. Used by the
// dry-run model and tests.
func SliceStream(deltas []Delta) Stream {
	return &sliceStream{deltas: deltas}
}

type sliceStream struct {
	deltas []Delta
	index  int
}

func (s *sliceStream) Recv() (Delta, error) {
	if s.index >= len(s.deltas) {
		return Delta{}, io.EOF
	}
	d := s.deltas[s.index]
	s.index++
	return d, nil
}

func (s *sliceStream) Close() error { return nil }
