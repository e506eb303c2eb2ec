package stream

import (
	"context"
	"fmt"
	"strings"
)

type Kind string

const (
	KindFragment Kind = "fragment"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one item of a relayed answer. Fragments arrive in production order and
// are followed by exactly one Complete or Error.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

// Producer writes fragments through emit. emit fails once the consumer has gone away.
type Producer func(ctx context.Context, emit func(string) error) error

type Bridge struct {
	// Buffer bounds the fragments waiting for the consumer.
	Buffer int
	// Fallback is the Error event text when the producer fails.
	Fallback string
}

type Stream struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs produce on its own goroutine.
func (b Bridge) Start(ctx context.Context, produce Producer) *Stream {
	buffer := b.Buffer
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{events: make(chan Event, buffer), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer cancel()

		var full strings.Builder
		emit := func(text string) error {
			select {
			case s.events <- Event{Kind: KindFragment, Text: text}:
				full.WriteString(text)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := run(ctx, produce, emit)
		if ctx.Err() != nil {
			return
		}
		final := Event{Kind: KindComplete, Text: full.String()}
		if err != nil {
			final = Event{Kind: KindError, Text: b.Fallback, Err: err}
		}
		select {
		case s.events <- final:
		case <-ctx.Done():
		}
	}()
	return s
}

func run(ctx context.Context, produce Producer, emit func(string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream producer panic: %v", r)
		}
	}()
	return produce(ctx, emit)
}

func (s *Stream) Events() <-chan Event { return s.events }

// Cancel stops the producer. Safe to call more than once.
func (s *Stream) Cancel() { s.cancel() }

// Wait blocks until the producer goroutine has exited.
func (s *Stream) Wait() { <-s.done }

// Relay hands every event to send until the terminal one. If send fails or ctx ends,
// the producer is cancelled and the error returned.
func (s *Stream) Relay(ctx context.Context, send func(Event) error) error {
	defer s.cancel()
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
