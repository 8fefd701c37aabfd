package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/cache"
	"github.com/snarg/sonosevents/internal/model"
)

func TestDispatcherAppliesCacheMutationBeforeHandler(t *testing.T) {
	c := cache.New()
	c.AddSpeaker(model.Speaker{ID: "S1"})

	events := make(chan model.StateChange, 4)
	seenVolume := -1
	handlers := Handlers{
		OnEvent: []EventHandler{func(ev model.StateChange) {
			state, _ := c.Get("S1")
			seenVolume = state.Volume
		}},
	}
	d := New(events, c, handlers, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	events <- model.StateChange{Kind: model.VolumeChanged, SpeakerID: "S1", Volume: 42}
	close(events)
	<-d.Done()
	cancel()

	if seenVolume != 42 {
		t.Fatalf("expected handler to observe cache already updated to 42, got %d", seenVolume)
	}
}

func TestDispatcherPanicInHandlerIsolated(t *testing.T) {
	c := cache.New()
	c.AddSpeaker(model.Speaker{ID: "S1"})

	events := make(chan model.StateChange, 4)
	secondRan := false
	handlers := Handlers{
		OnEvent: []EventHandler{
			func(model.StateChange) { panic("boom") },
			func(model.StateChange) { secondRan = true },
		},
	}
	d := New(events, c, handlers, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	events <- model.StateChange{Kind: model.VolumeChanged, SpeakerID: "S1", Volume: 1}
	close(events)
	<-d.Done()
	cancel()

	if !secondRan {
		t.Fatal("expected second handler to run despite first handler panicking")
	}
}

func TestDispatcherSubscriptionErrorMapsToOnErrorAndDisconnect(t *testing.T) {
	c := cache.New()
	c.AddSpeaker(model.Speaker{ID: "S1"})

	events := make(chan model.StateChange, 4)
	var gotErr error
	disconnected := model.SpeakerId("")
	handlers := Handlers{
		OnError:               func(id model.SpeakerId, err error) { gotErr = err },
		OnSpeakerDisconnected: func(id model.SpeakerId) { disconnected = id },
	}
	d := New(events, c, handlers, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	events <- model.StateChange{Kind: model.SubscriptionErrorKind, SpeakerID: "S1", Err: errors.New("dial tcp: connection refused")}
	close(events)
	<-d.Done()
	cancel()

	if gotErr == nil {
		t.Fatal("expected OnError to be invoked")
	}
	if disconnected != "S1" {
		t.Fatalf("expected OnSpeakerDisconnected(S1), got %q", disconnected)
	}
}

func TestDispatcherAppliesTransportInfoToCache(t *testing.T) {
	c := cache.New()
	c.AddSpeaker(model.Speaker{ID: "S1"})

	events := make(chan model.StateChange, 4)
	d := New(events, c, Handlers{}, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	events <- model.StateChange{Kind: model.TransportInfoChanged, SpeakerID: "S1", TransportState: "PLAYING", TransportStatus: model.TransportStatusErrorOccurred}
	close(events)
	<-d.Done()
	cancel()

	st, _ := c.Get("S1")
	if st.TransportState != "PLAYING" || st.TransportStatus != model.TransportStatusErrorOccurred {
		t.Fatalf("expected cache to reflect transport info, got %+v", st)
	}
}

func TestDispatcherNonDisconnectErrorSkipsDisconnectCallback(t *testing.T) {
	c := cache.New()
	c.AddSpeaker(model.Speaker{ID: "S1"})

	events := make(chan model.StateChange, 4)
	disconnectCalled := false
	handlers := Handlers{
		OnSpeakerDisconnected: func(model.SpeakerId) { disconnectCalled = true },
	}
	d := New(events, c, handlers, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	events <- model.StateChange{Kind: model.SubscriptionErrorKind, SpeakerID: "S1", Err: errors.New("malformed xml")}
	close(events)
	<-d.Done()
	cancel()

	if disconnectCalled {
		t.Fatal("expected OnSpeakerDisconnected not to fire for a non-network error")
	}
}

func TestDispatcherStreamStartedAndStopped(t *testing.T) {
	events := make(chan model.StateChange)
	started, stopped := false, false
	handlers := Handlers{
		OnStreamStarted: func() { started = true },
		OnStreamStopped: func() { stopped = true },
	}
	d := New(events, cache.New(), handlers, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	cancel()
	<-d.Done()

	if !started || !stopped {
		t.Fatalf("expected both lifecycle hooks to fire, got started=%v stopped=%v", started, stopped)
	}
}
