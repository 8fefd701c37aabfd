// Package subscription implements the per-(endpoint,service) UPnP
// subscription state machine (component C7): SUBSCRIBE/RENEW/UNSUBSCRIBE
// plus the incoming NOTIFY parsing pipeline.
package subscription

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/streamerr"
)

// Scope distinguishes per-speaker subscriptions from the single
// network-wide topology subscription.
type Scope string

const (
	ScopePerSpeaker  Scope = "per_speaker"
	ScopeNetworkWide Scope = "network_wide"
)

// State is the subscription's lifecycle state (§4.7).
type State string

const (
	StateIdle       State = "idle"
	StateSubscribing State = "subscribing"
	StateActive     State = "active"
	StateRenewing   State = "renewing"
	StateExpired    State = "expired"
	StateFailed     State = "failed"
)

// eventURLs are the fixed per-service event subscription paths (§6).
var eventURLs = map[model.ServiceType]string{
	model.ServiceAVTransport:       "/MediaRenderer/AVTransport/Event",
	model.ServiceRenderingControl:  "/MediaRenderer/RenderingControl/Event",
	model.ServiceZoneGroupTopology: "/ZoneGroupTopology/Event",
}

// parseFunc is the per-service NOTIFY body parser. ZoneGroupTopology's
// wrapper additionally folds the differ's output in, so it still fits this
// shape at the Subscription boundary.
type parseFunc func(speaker model.SpeakerId, body []byte) ([]model.StateChange, error)

// Subscription is the common capability set shared by all three service
// variants, per the design notes' "tagged variant" approach — one concrete
// struct whose per-service behaviour is the service tag plus a parseFunc,
// not a class hierarchy.
type Subscription struct {
	mu sync.Mutex

	id        model.SubscriptionId
	speakerID model.SpeakerId
	service   model.ServiceType
	scope     Scope

	deviceIP   string
	devicePort int

	callbackBaseURL string
	callbackPath    string
	timeout         time.Duration

	client *http.Client
	log    zerolog.Logger
	parse  parseFunc

	state       State
	sid         string
	lastRenewal time.Time
	lastEventAt time.Time
	failureKind streamerr.Kind
}

// New constructs a Subscription. callbackBaseURL is the server's advertised
// "http://host:port" (no path); the unique callback path is generated here.
func New(speakerID model.SpeakerId, service model.ServiceType, scope Scope, deviceIP string, devicePort int, callbackBaseURL string, timeout time.Duration, client *http.Client, log zerolog.Logger, parse parseFunc) *Subscription {
	id := model.SubscriptionId(uuid.NewString())
	return &Subscription{
		id:              id,
		speakerID:       speakerID,
		service:         service,
		scope:           scope,
		deviceIP:        deviceIP,
		devicePort:      devicePort,
		callbackBaseURL: callbackBaseURL,
		callbackPath:    fmt.Sprintf("/cb/%s/%s", id, service),
		timeout:         timeout,
		client:          client,
		log:             log.With().Str("speaker_id", string(speakerID)).Str("service", string(service)).Logger(),
		parse:           parse,
		state:           StateIdle,
	}
}

func (s *Subscription) ID() model.SubscriptionId     { return s.id }
func (s *Subscription) SpeakerID() model.SpeakerId    { return s.speakerID }
func (s *Subscription) Service() model.ServiceType    { return s.service }
func (s *Subscription) Scope() Scope                  { return s.scope }
func (s *Subscription) CallbackPath() string          { return s.callbackPath }
func (s *Subscription) Timeout() time.Duration        { return s.timeout }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) LastRenewal() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRenewal
}

func (s *Subscription) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

func (s *Subscription) eventURL() string {
	return fmt.Sprintf("http://%s:%d%s", s.deviceIP, s.devicePort, eventURLs[s.service])
}

func (s *Subscription) callbackURL() string {
	return s.callbackBaseURL + s.callbackPath
}

// Subscribe sends an initial SUBSCRIBE (Idle -> Subscribing -> Active|Failed).
func (s *Subscription) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateSubscribing
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL(), nil)
	if err != nil {
		return s.fail(streamerr.KindNetworkError, err)
	}
	req.Header.Set("CALLBACK", "<"+s.callbackURL()+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", int(s.timeout.Seconds())))

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(streamerr.KindNetworkError, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return s.fail(streamerr.KindSatelliteSpeaker, fmt.Errorf("device returned 503 (satellite)"))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		sid := resp.Header.Get("SID")
		s.mu.Lock()
		s.sid = sid
		s.state = StateActive
		s.lastRenewal = time.Now()
		s.lastEventAt = time.Now()
		s.mu.Unlock()
		return nil
	default:
		return s.fail(streamerr.KindSubscriptionFailed, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// Renew sends a renewal SUBSCRIBE using the stored SID (Active -> Renewing
// -> Active|Expired).
func (s *Subscription) Renew(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sid
	s.state = StateRenewing
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL(), nil)
	if err != nil {
		s.markExpired()
		return streamerr.Wrap(streamerr.KindSubscriptionExpired, "renewal request construction failed", err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", int(s.timeout.Seconds())))

	resp, err := s.client.Do(req)
	if err != nil {
		s.markExpired()
		return streamerr.Wrap(streamerr.KindSubscriptionExpired, "renewal transport failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.markExpired()
		return streamerr.New(streamerr.KindSubscriptionExpired, fmt.Sprintf("renewal rejected with status %d", resp.StatusCode))
	}

	s.mu.Lock()
	s.state = StateActive
	s.lastRenewal = time.Now()
	s.mu.Unlock()
	return nil
}

// Unsubscribe sends a best-effort UNSUBSCRIBE and always returns to Idle.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", s.eventURL(), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("SID", sid)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// ParseEvent runs the service-specific parser on a raw NOTIFY body. It never
// panics across the package boundary: a recovered panic becomes a single
// SubscriptionError event.
func (s *Subscription) ParseEvent(body []byte) (events []model.StateChange, err error) {
	if len(body) == 0 {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			events = []model.StateChange{{
				Kind:      model.SubscriptionErrorKind,
				SpeakerID: s.speakerID,
				Service:   s.service,
				Err:       fmt.Errorf("panic while parsing event: %v", r),
			}}
			err = nil
		}
	}()

	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	out, parseErr := s.parse(s.speakerID, body)
	if parseErr != nil {
		return []model.StateChange{{
			Kind:      model.SubscriptionErrorKind,
			SpeakerID: s.speakerID,
			Service:   s.service,
			Err:       parseErr,
		}}, nil
	}
	return out, nil
}

func (s *Subscription) fail(kind streamerr.Kind, cause error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failureKind = kind
	s.mu.Unlock()
	return streamerr.Wrap(kind, "subscribe failed", cause)
}

func (s *Subscription) markExpired() {
	s.mu.Lock()
	s.state = StateExpired
	s.mu.Unlock()
}

// FailureKind returns the kind recorded the last time Subscribe failed, or
// "" if it never has.
func (s *Subscription) FailureKind() streamerr.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureKind
}

// IsStale reports whether the subscription's last received event predates
// twice the subscription timeout — the engine's resolution of the "device
// silently stops sending events" open question (§9).
func (s *Subscription) IsStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	return now.Sub(s.lastEventAt) >= 2*s.timeout
}

// NeedsRenewal reports whether the subscription has passed its half-life.
func (s *Subscription) NeedsRenewal(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	return now.Sub(s.lastRenewal) >= s.timeout/2
}
