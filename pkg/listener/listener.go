package listener

import (
	"context"
	"log/slog"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received from in, one at a time, on its own goroutine.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

var _ Job = (*Listener[struct{}])(nil)

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				l.handle(inp)
			case <-ctx.Done():
				l.drain()
				return
			}
		}
	}()
}

// drain handles what is already buffered, without waiting for more.
func (l *Listener[T]) drain() {
	for {
		select {
		case inp, ok := <-l.in:
			if !ok {
				return
			}
			l.handle(inp)
		default:
			return
		}
	}
}

func (l *Listener[T]) handle(inp T) {
	if err := l.handler(inp); err != nil {
		slog.Warn("listener: failed to handle input", "error", err)
	}
}

// Stop cancels the listener, waits for the buffered inputs to be handled and runs the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
