package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var out []Event
	require.NoError(t, s.Relay(context.Background(), func(ev Event) error {
		out = append(out, ev)
		return nil
	}))
	return out
}

func TestRelayPreservesOrderAndCompletes(t *testing.T) {
	s := Bridge{Buffer: 2}.Start(context.Background(), func(ctx context.Context, emit func(string) error) error {
		for i := 0; i < 20; i++ {
			if err := emit(fmt.Sprintf("%d,", i)); err != nil {
				return err
			}
		}
		return nil
	})
	events := collect(t, s)
	require.Len(t, events, 21)
	want := ""
	for i := 0; i < 20; i++ {
		require.Equal(t, KindFragment, events[i].Kind)
		require.Equal(t, fmt.Sprintf("%d,", i), events[i].Text)
		want += events[i].Text
	}
	require.Equal(t, Event{Kind: KindComplete, Text: want}, events[20])
	s.Wait()
}

func TestProducerFailureBecomesFinalErrorEvent(t *testing.T) {
	boom := errors.New("upstream reset")
	s := Bridge{Fallback: "Sorry"}.Start(context.Background(), func(ctx context.Context, emit func(string) error) error {
		_ = emit("partial ")
		return boom
	})
	events := collect(t, s)
	require.Len(t, events, 2)
	require.Equal(t, KindFragment, events[0].Kind)
	require.Equal(t, KindError, events[1].Kind)
	require.Equal(t, "Sorry", events[1].Text)
	require.ErrorIs(t, events[1].Err, boom)
}

func TestProducerPanicIsReportedNotRaised(t *testing.T) {
	s := Bridge{Fallback: "Sorry"}.Start(context.Background(), func(ctx context.Context, emit func(string) error) error {
		panic("nil map")
	})
	events := collect(t, s)
	require.Len(t, events, 1)
	require.Equal(t, KindError, events[0].Kind)
	require.Contains(t, events[0].Err.Error(), "nil map")
}

func TestSendFailureCancelsProducer(t *testing.T) {
	stopped := make(chan error, 1)
	s := Bridge{Buffer: 1}.Start(context.Background(), func(ctx context.Context, emit func(string) error) error {
		for {
			if err := emit("x"); err != nil {
				stopped <- err
				return err
			}
		}
	})
	gone := errors.New("socket closed")
	sent := 0
	err := s.Relay(context.Background(), func(Event) error {
		sent++
		if sent == 3 {
			return gone
		}
		return nil
	})
	require.ErrorIs(t, err, gone)

	select {
	case err := <-stopped:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("producer kept running after the consumer went away")
	}
	s.Wait()
	for ev := range s.Events() {
		require.NotEqual(t, KindComplete, ev.Kind)
	}
}

func TestRelayContextCancelStopsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Bridge{Buffer: 1}.Start(context.Background(), func(ctx context.Context, emit func(string) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	require.ErrorIs(t, s.Relay(ctx, func(Event) error { return nil }), context.Canceled)

	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer goroutine leaked")
	}
}
