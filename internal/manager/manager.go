// Package manager implements the subscription manager (component C8): it
// owns every Subscription, the callback server, and the raw-event channel,
// and drives background renewal and dispatch.
package manager

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/cache"
	"github.com/snarg/sonosevents/internal/callback"
	"github.com/snarg/sonosevents/internal/metrics"
	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/streamerr"
	"github.com/snarg/sonosevents/internal/subscription"
	"github.com/snarg/sonosevents/internal/topology"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

// Config enumerates the builder-configured options of §6.
type Config struct {
	EnabledServices    []model.ServiceType
	SubscriptionTimeout time.Duration
	RetryBackoff       time.Duration
	CallbackPortStart  int
	CallbackPortEnd    int
	CallbackHostOverride string
	BufferSize         int
	MaxRetryAttempts   int
	HTTPTimeout        time.Duration
	ShutdownGrace      time.Duration
}

// DefaultConfig matches the bounds in §5 (60s <= timeout <= 24h, default
// 1800s; 10s HTTP I/O; 2s shutdown grace).
func DefaultConfig() Config {
	return Config{
		EnabledServices:      []model.ServiceType{model.ServiceAVTransport, model.ServiceRenderingControl, model.ServiceZoneGroupTopology},
		SubscriptionTimeout:  1800 * time.Second,
		RetryBackoff:         time.Second,
		CallbackPortStart:    3400,
		CallbackPortEnd:      3420,
		BufferSize:           256,
		MaxRetryAttempts:     3,
		HTTPTimeout:          10 * time.Second,
		ShutdownGrace:        2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.SubscriptionTimeout < 60*time.Second || c.SubscriptionTimeout > 24*time.Hour {
		return streamerr.New(streamerr.KindConfigurationError, "subscription_timeout out of bounds [60s, 24h]")
	}
	if c.CallbackPortStart < 1024 || c.CallbackPortEnd < c.CallbackPortStart {
		return streamerr.New(streamerr.KindConfigurationError, "invalid callback_port_range")
	}
	if c.BufferSize < 1 {
		return streamerr.New(streamerr.KindConfigurationError, "buffer_size must be >= 1")
	}
	return nil
}

// Manager owns all subscriptions, the callback server, and the raw-event
// channel, and dispatches parsed events to the outbound channel consumed by
// the event stream (component C10).
type Manager struct {
	cfg Config
	log zerolog.Logger

	cache  *cache.Cache
	differ *topology.Differ

	callbackSrv  *callback.Server
	callbackBase string
	rawEvents    chan callback.RawEvent
	outEvents    chan model.StateChange

	httpClient *http.Client

	subsMu            sync.RWMutex
	subs              map[model.SubscriptionId]*subscription.Subscription
	speakerSubs       map[model.SpeakerId][]model.SubscriptionId
	topologySubID     *model.SubscriptionId

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
	stopRenewal  chan struct{}

	// OnSpeakerConnected, if set before Start, is invoked the first time a
	// speaker gets at least one active subscription (§6). Connection is
	// known here, at subscribe time, rather than as a derived event.
	OnSpeakerConnected func(model.SpeakerId)
}

// New constructs a Manager sharing the given cache (so callers can read
// cached state concurrently with the manager's own AddSpeaker/RemoveSpeaker
// writes and the event stream dispatcher's Update*/ApplyGroupEvent writes).
func New(cfg Config, c *cache.Cache, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         log.With().Str("component", "subscription_manager").Logger(),
		cache:       c,
		differ:      topology.NewDiffer(),
		rawEvents:   make(chan callback.RawEvent, cfg.BufferSize),
		outEvents:   make(chan model.StateChange, cfg.BufferSize),
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		subs:        make(map[model.SubscriptionId]*subscription.Subscription),
		speakerSubs: make(map[model.SpeakerId][]model.SubscriptionId),
		stopRenewal: make(chan struct{}),
	}
}

// Events returns the outbound channel of parsed state changes. The event
// stream dispatcher (component C10) is the sole intended consumer.
func (m *Manager) Events() <-chan model.StateChange {
	return m.outEvents
}

// Start binds the callback server and launches the dispatch and renewal
// loops.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	m.callbackSrv = callback.New(callback.Config{
		PortRangeStart: m.cfg.CallbackPortStart,
		PortRangeEnd:   m.cfg.CallbackPortEnd,
		HostOverride:   m.cfg.CallbackHostOverride,
		ReadTimeout:    m.cfg.HTTPTimeout,
		WriteTimeout:   m.cfg.HTTPTimeout,
	}, m.rawEvents, m.log)

	base, err := m.callbackSrv.Start(ctx)
	if err != nil {
		return err
	}
	m.callbackBase = base

	m.wg.Add(2)
	go m.dispatchLoop(ctx)
	go m.renewalLoop(ctx)

	return nil
}

func (m *Manager) enabled(service model.ServiceType) bool {
	for _, s := range m.cfg.EnabledServices {
		if s == service {
			return true
		}
	}
	return false
}

func (m *Manager) limits() xmldecode.Limits { return xmldecode.DefaultLimits }

func (m *Manager) parserFor(service model.ServiceType) func(model.SpeakerId, []byte) ([]model.StateChange, error) {
	switch service {
	case model.ServiceAVTransport:
		fn := subscription.AVTransportParser(m.limits())
		return fn
	case model.ServiceRenderingControl:
		fn := subscription.RenderingControlParser(m.limits())
		return fn
	case model.ServiceZoneGroupTopology:
		fn := subscription.ZoneGroupTopologyParser(m.differ, m.limits())
		return fn
	}
	return nil
}

// AddResult reports the outcome of AddSpeaker (§4.8 bullet 3-4: partial
// success is reported, not treated as a hard failure).
type AddResult struct {
	Speaker              model.SpeakerId
	SubscribedServices    []model.ServiceType
	SatelliteServices     []model.ServiceType
	FailedServices        map[model.ServiceType]error
	BecameTopologyRepresentative bool
}

// AddSpeaker registers all enabled per-speaker subscriptions and, if no
// network-wide topology subscription exists yet, attempts to designate this
// speaker as the representative, retrying against another already-tracked
// speaker if this one rejects designation as a satellite (§4.8).
func (m *Manager) AddSpeaker(ctx context.Context, sp model.Speaker) (AddResult, error) {
	if m.shuttingDown.Load() {
		return AddResult{}, streamerr.New(streamerr.KindShuttingDown, "manager is shutting down")
	}

	m.cache.AddSpeaker(sp)

	result := AddResult{Speaker: sp.ID, FailedServices: make(map[model.ServiceType]error)}
	var subscribedIDs []model.SubscriptionId

	for _, svc := range []model.ServiceType{model.ServiceAVTransport, model.ServiceRenderingControl} {
		if !m.enabled(svc) {
			continue
		}
		sub := subscription.New(sp.ID, svc, subscription.ScopePerSpeaker, sp.IP, sp.Port, m.callbackBase, m.cfg.SubscriptionTimeout, m.httpClient, m.log, m.parserFor(svc))

		if err := m.subscribeWithRetry(ctx, sub); err != nil {
			if streamerr.IsKind(err, streamerr.KindSatelliteSpeaker) {
				result.SatelliteServices = append(result.SatelliteServices, svc)
				m.log.Info().Str("speaker_id", string(sp.ID)).Str("service", string(svc)).Msg("skipping satellite: device rejected subscription")
				continue
			}
			result.FailedServices[svc] = err
			m.emitSubscriptionError(sp.ID, svc, err)
			continue
		}

		m.registerSubscription(sub)
		subscribedIDs = append(subscribedIDs, sub.ID())
		result.SubscribedServices = append(result.SubscribedServices, svc)
	}

	if m.enabled(model.ServiceZoneGroupTopology) {
		m.subsMu.RLock()
		haveRepresentative := m.topologySubID != nil
		m.subsMu.RUnlock()

		if !haveRepresentative {
			sub := subscription.New(sp.ID, model.ServiceZoneGroupTopology, subscription.ScopeNetworkWide, sp.IP, sp.Port, m.callbackBase, m.cfg.SubscriptionTimeout, m.httpClient, m.log, m.parserFor(model.ServiceZoneGroupTopology))
			if err := m.subscribeWithRetry(ctx, sub); err != nil {
				if streamerr.IsKind(err, streamerr.KindSatelliteSpeaker) {
					m.log.Info().Str("speaker_id", string(sp.ID)).Msg("skipping satellite as topology representative")
					// Retry designation on a different already-tracked
					// speaker rather than leaving the fleet without
					// topology coverage (spec.md:139).
					m.assignTopologyRepresentative(ctx, sp.ID)
				} else {
					result.FailedServices[model.ServiceZoneGroupTopology] = err
					m.emitSubscriptionError(sp.ID, model.ServiceZoneGroupTopology, err)
				}
			} else {
				m.registerSubscription(sub)
				subscribedIDs = append(subscribedIDs, sub.ID())
				id := sub.ID()
				m.subsMu.Lock()
				m.topologySubID = &id
				m.subsMu.Unlock()
				result.SubscribedServices = append(result.SubscribedServices, model.ServiceZoneGroupTopology)
				result.BecameTopologyRepresentative = true
			}
		}
	}

	if len(subscribedIDs) > 0 {
		m.subsMu.Lock()
		m.speakerSubs[sp.ID] = append(m.speakerSubs[sp.ID], subscribedIDs...)
		m.subsMu.Unlock()
		if m.OnSpeakerConnected != nil {
			m.OnSpeakerConnected(sp.ID)
		}
	} else if len(result.SatelliteServices) > 0 && len(result.FailedServices) == 0 {
		// Every attempted service rejected us as a satellite: this speaker
		// is not tracked as an active subscriber (§8 scenario 5).
		m.cache.RemoveSpeaker(sp.ID)
	}

	return result, nil
}

// subscribeWithRetry wraps Subscription.Subscribe with exponential backoff,
// treating SatelliteSpeaker and SubscriptionFailed as permanent (no retry).
func (m *Manager) subscribeWithRetry(ctx context.Context, sub *subscription.Subscription) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.cfg.RetryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(m.cfg.MaxRetryAttempts)), ctx)

	return backoff.Retry(func() error {
		err := sub.Subscribe(ctx)
		if err == nil {
			return nil
		}
		if streamerr.IsKind(err, streamerr.KindSatelliteSpeaker) || streamerr.IsKind(err, streamerr.KindSubscriptionFailed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (m *Manager) registerSubscription(sub *subscription.Subscription) {
	m.subsMu.Lock()
	m.subs[sub.ID()] = sub
	m.subsMu.Unlock()
	m.callbackSrv.RegisterPath(sub.CallbackPath(), sub.ID())
}

func (m *Manager) emitSubscriptionError(speaker model.SpeakerId, service model.ServiceType, err error) {
	select {
	case m.outEvents <- model.StateChange{Kind: model.SubscriptionErrorKind, SpeakerID: speaker, Service: service, Err: err}:
	default:
		m.log.Error().Str("speaker_id", string(speaker)).Err(err).Msg("outbound channel full, dropping SubscriptionError event")
	}
}

// RemoveSpeaker unsubscribes and forgets every subscription owned by this
// speaker, and removes it from the cache. If it was the topology
// representative, designation is actively rebound to a different
// already-tracked speaker (spec.md:131), not merely cleared.
func (m *Manager) RemoveSpeaker(ctx context.Context, id model.SpeakerId) error {
	if m.shuttingDown.Load() {
		return streamerr.New(streamerr.KindShuttingDown, "manager is shutting down")
	}

	m.subsMu.Lock()
	ids := m.speakerSubs[id]
	delete(m.speakerSubs, id)
	var subs []*subscription.Subscription
	for _, sid := range ids {
		if s, ok := m.subs[sid]; ok {
			subs = append(subs, s)
			delete(m.subs, sid)
		}
	}
	wasRepresentative := false
	if m.topologySubID != nil {
		for _, sid := range ids {
			if sid == *m.topologySubID {
				m.topologySubID = nil
				wasRepresentative = true
			}
		}
	}
	m.subsMu.Unlock()

	for _, s := range subs {
		m.callbackSrv.UnregisterPath(s.CallbackPath())
		_ = s.Unsubscribe(ctx)
	}
	m.cache.RemoveSpeaker(id)

	if wasRepresentative {
		m.assignTopologyRepresentative(ctx, id)
	}

	return nil
}

// assignTopologyRepresentative designates a network-wide ZoneGroupTopology
// subscription among already-tracked speakers other than excludeID, trying
// each candidate in turn until one succeeds. It is a no-op if a
// representative is already assigned. Used both to rebind the
// representative away from a speaker RemoveSpeaker just tore down, and to
// retry designation on a different speaker when AddSpeaker's own attempt is
// rejected as a satellite (spec.md:131,139). Reports whether a
// representative ended up assigned.
func (m *Manager) assignTopologyRepresentative(ctx context.Context, excludeID model.SpeakerId) bool {
	m.subsMu.RLock()
	haveRepresentative := m.topologySubID != nil
	candidateIDs := make([]model.SpeakerId, 0, len(m.speakerSubs))
	for sid := range m.speakerSubs {
		if sid != excludeID {
			candidateIDs = append(candidateIDs, sid)
		}
	}
	m.subsMu.RUnlock()

	if haveRepresentative {
		return true
	}

	for _, sid := range candidateIDs {
		st, ok := m.cache.Get(sid)
		if !ok {
			continue
		}
		sub := subscription.New(sid, model.ServiceZoneGroupTopology, subscription.ScopeNetworkWide, st.Speaker.IP, st.Speaker.Port, m.callbackBase, m.cfg.SubscriptionTimeout, m.httpClient, m.log, m.parserFor(model.ServiceZoneGroupTopology))
		if err := m.subscribeWithRetry(ctx, sub); err != nil {
			if !streamerr.IsKind(err, streamerr.KindSatelliteSpeaker) {
				m.emitSubscriptionError(sid, model.ServiceZoneGroupTopology, err)
			}
			continue
		}

		m.registerSubscription(sub)
		subID := sub.ID()
		m.subsMu.Lock()
		m.topologySubID = &subID
		m.speakerSubs[sid] = append(m.speakerSubs[sid], subID)
		m.subsMu.Unlock()
		m.log.Info().Str("speaker_id", string(sid)).Msg("rebound topology representative")
		return true
	}

	m.log.Warn().Msg("no candidate available to rebind topology representative")
	return false
}

func (m *Manager) SpeakerCount() int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.speakerSubs)
}

func (m *Manager) SubscriptionCount() int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subs)
}

func (m *Manager) CallbackServerPort() int {
	if m.callbackSrv == nil {
		return 0
	}
	return m.callbackSrv.Port()
}

// Stats matches §6's Stats() -> { active_subscriptions, active_speakers }.
type Stats struct {
	ActiveSubscriptions int
	ActiveSpeakers      int
}

func (m *Manager) Stats() Stats {
	return Stats{ActiveSubscriptions: m.SubscriptionCount(), ActiveSpeakers: m.SpeakerCount()}
}

// dispatchLoop delivers (SubscriptionId, xml) pairs from the callback server
// to the owning subscription's parser, then forwards every resulting
// StateChange to the outbound channel. Events from a single subscription
// are forwarded in receipt order; events from different subscriptions may
// interleave.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopRenewal:
			return
		case raw, ok := <-m.rawEvents:
			if !ok {
				return
			}
			m.subsMu.RLock()
			sub, found := m.subs[raw.SubscriptionID]
			m.subsMu.RUnlock()
			if !found {
				continue
			}
			events, err := sub.ParseEvent(raw.Body)
			if err != nil {
				metrics.ParseErrorsTotal.WithLabelValues(string(sub.Service())).Inc()
				m.emitSubscriptionError(sub.SpeakerID(), sub.Service(), err)
				continue
			}
			for _, ev := range events {
				metrics.EventsEmittedTotal.WithLabelValues(string(ev.Kind)).Inc()
				if ev.Kind == model.SubscriptionErrorKind {
					metrics.ParseErrorsTotal.WithLabelValues(string(sub.Service())).Inc()
				}
				select {
				case m.outEvents <- ev:
				case <-ctx.Done():
					return
				case <-m.stopRenewal:
					return
				}
			}
		}
	}
}

// renewalLoop wakes on a timer, renews subscriptions past their half-life,
// and proactively resubscribes any that have gone stale with no incoming
// events (§9 open question resolution).
func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	tick := m.cfg.SubscriptionTimeout / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopRenewal:
			return
		case now := <-ticker.C:
			m.renewDue(ctx, now)
		}
	}
}

func (m *Manager) renewDue(ctx context.Context, now time.Time) {
	m.subsMu.RLock()
	due := make([]*subscription.Subscription, 0)
	for _, s := range m.subs {
		if s.NeedsRenewal(now) || s.IsStale(now) {
			due = append(due, s)
		}
	}
	m.subsMu.RUnlock()

	for _, s := range due {
		// A stale subscription is not renewed under its old SID; it goes
		// straight to a fresh SUBSCRIBE.
		if !s.IsStale(now) {
			if err := s.Renew(ctx); err == nil {
				metrics.SubscriptionRenewalsTotal.WithLabelValues("success").Inc()
				continue
			}
		}
		// One resubscribe attempt, retried with the configured backoff on
		// network errors, before surfacing the failure.
		if resubErr := m.subscribeWithRetry(ctx, s); resubErr != nil {
			metrics.SubscriptionRenewalsTotal.WithLabelValues("failure").Inc()
			m.emitSubscriptionError(s.SpeakerID(), s.Service(), streamerr.Wrap(streamerr.KindSubscriptionExpired, "renewal and resubscribe both failed", resubErr))
		} else {
			metrics.SubscriptionRenewalsTotal.WithLabelValues("resubscribed").Inc()
		}
	}
}

// Shutdown is cooperative: it stops the renewal/dispatch loops, best-effort
// UNSUBSCRIBEs every active subscription within the configured grace
// period, and shuts down the callback server.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopRenewal)

	gracefulCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
	defer cancel()

	m.subsMu.RLock()
	subs := make([]*subscription.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subsMu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription.Subscription) {
			defer wg.Done()
			_ = s.Unsubscribe(gracefulCtx)
		}(s)
	}
	wg.Wait()

	if m.callbackSrv != nil {
		_ = m.callbackSrv.Shutdown(gracefulCtx)
	}

	m.wg.Wait()
	close(m.outEvents)

	return nil
}
