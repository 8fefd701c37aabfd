// Package stream implements the event stream dispatcher (component C10): it
// sits between the subscription manager's outbound channel and user code,
// applying cache mutations and invoking registered callbacks in order.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/cache"
	"github.com/snarg/sonosevents/internal/model"
)

// EventHandler receives every StateChange after its cache mutation has been
// applied.
type EventHandler func(model.StateChange)

// Handlers is the builder-configured set of lifecycle callbacks (§6). Any
// field may be left nil.
// OnSpeakerConnected is deliberately not part of Handlers: connection is
// known the moment AddSpeaker's first subscription succeeds, at the
// manager, not as a consequence of any event crossing the dispatcher. The
// manager invokes it directly (see manager.Manager.OnSpeakerConnected).
type Handlers struct {
	OnEvent               []EventHandler
	OnSpeakerDisconnected func(model.SpeakerId)
	OnError               func(model.SpeakerId, error)
	OnStreamStarted       func()
	OnStreamStopped       func()
}

// disconnectMarkers are the substrings of an error's message the dispatcher
// treats as evidence of a dropped connection rather than a transient parse
// failure (§4.10 bullet 3).
var disconnectMarkers = []string{"timeout", "refused", "unreachable", "reset", "no route"}

// Dispatcher is the single goroutine that drains a manager's outbound event
// channel, mutates the cache, and fans out to user and lifecycle callbacks.
type Dispatcher struct {
	events   <-chan model.StateChange
	cache    *cache.Cache
	handlers Handlers
	log      zerolog.Logger

	drainGrace time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New constructs a Dispatcher over the given manager event channel.
func New(events <-chan model.StateChange, c *cache.Cache, handlers Handlers, drainGrace time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		events:     events,
		cache:      c,
		handlers:   handlers,
		drainGrace: drainGrace,
		log:        log.With().Str("component", "event_dispatcher").Logger(),
		done:       make(chan struct{}),
	}
}

// Run drains events until the channel closes or ctx is cancelled, in which
// case it drains whatever remains within the grace period before returning.
// Run is meant to be the body of the dispatcher's dedicated goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	defer close(d.done)

	if d.handlers.OnStreamStarted != nil {
		d.safeCall(func() { d.handlers.OnStreamStarted() })
	}
	defer func() {
		if d.handlers.OnStreamStopped != nil {
			d.safeCall(func() { d.handlers.OnStreamStopped() })
		}
	}()

	for {
		select {
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.handle(ev)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

// drain consumes whatever is immediately available on the channel for up to
// drainGrace, so in-flight NOTIFY deliveries aren't silently dropped on
// shutdown (§4.10 bullet 4).
func (d *Dispatcher) drain() {
	deadline := time.NewTimer(d.drainGrace)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.handle(ev)
		case <-deadline.C:
			return
		}
	}
}

// Done returns a channel closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) handle(ev model.StateChange) {
	d.applyCacheMutation(ev)

	for _, h := range d.handlers.OnEvent {
		handler := h
		d.safeCall(func() { handler(ev) })
	}

	d.invokeLifecycle(ev)
}

// applyCacheMutation mirrors §4.9: scalar field updates go straight to the
// named updater; topology events are folded through ApplyGroupEvent, which
// performs the compound group-list recompute.
func (d *Dispatcher) applyCacheMutation(ev model.StateChange) {
	switch ev.Kind {
	case model.VolumeChanged:
		d.cache.UpdateVolume(ev.SpeakerID, ev.Volume)
	case model.MuteChanged:
		d.cache.UpdateMute(ev.SpeakerID, ev.Muted)
	case model.PlaybackStateChanged:
		d.cache.UpdatePlaybackState(ev.SpeakerID, ev.PlaybackState)
	case model.PositionChanged:
		d.cache.UpdatePosition(ev.SpeakerID, ev.PositionMs)
	case model.TrackChanged:
		d.cache.UpdateTrack(ev.SpeakerID, ev.Track)
	case model.GroupFormed, model.GroupDissolved, model.SpeakerJoinedGroup, model.SpeakerLeftGroup, model.CoordinatorChanged:
		d.cache.ApplyGroupEvent(ev)
	case model.TransportInfoChanged:
		d.cache.UpdateTransportInfo(ev.SpeakerID, ev.TransportState, ev.TransportStatus)
	case model.SubscriptionErrorKind:
		// No direct cache field; handled purely via lifecycle callbacks below.
	}
}

func (d *Dispatcher) invokeLifecycle(ev model.StateChange) {
	switch {
	case ev.Kind == model.SubscriptionErrorKind:
		if d.handlers.OnError != nil {
			d.safeCall(func() { d.handlers.OnError(ev.SpeakerID, ev.Err) })
		}
		if isDisconnect(ev.Err) && d.handlers.OnSpeakerDisconnected != nil {
			d.safeCall(func() { d.handlers.OnSpeakerDisconnected(ev.SpeakerID) })
		}
	case ev.Kind == model.TransportInfoChanged && ev.TransportStatus == model.TransportStatusErrorOccurred:
		if d.handlers.OnError != nil {
			d.safeCall(func() { d.handlers.OnError(ev.SpeakerID, errTransportError(ev.SpeakerID)) })
		}
	}
}

func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type transportError struct{ speaker model.SpeakerId }

func (e transportError) Error() string { return "transport reported ErrorOccurred" }

func errTransportError(speaker model.SpeakerId) error { return transportError{speaker: speaker} }

// safeCall isolates a single handler invocation: a panic is recovered,
// logged, and does not prevent subsequent handlers from running (§4.10
// bullet 2).
func (d *Dispatcher) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("recovered panic in user callback")
		}
	}()
	fn()
}
