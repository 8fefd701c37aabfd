package callback

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/model"
)

func newTestServer(t *testing.T) (*Server, chan RawEvent) {
	t.Helper()
	events := make(chan RawEvent, 4)
	s := New(Config{PortRangeStart: 50000, PortRangeEnd: 50010}, events, zerolog.Nop())
	return s, events
}

func notifyRequest(path, nt, nts, body string) *http.Request {
	req := httptest.NewRequest("NOTIFY", path, nil)
	req.Method = "NOTIFY"
	if nt != "" {
		req.Header.Set("NT", nt)
	}
	if nts != "" {
		req.Header.Set("NTS", nts)
	}
	req.Body = http.NoBody
	if body != "" {
		req.Body = io.NopCloser(strings.NewReader(body))
	}
	return req
}

func TestHandleNotifyUnknownPathReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := notifyRequest("/cb/unknown", "upnp:event", "upnp:propchange", "<x/>")
	rec := httptest.NewRecorder()
	s.handleNotify(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleNotifyMissingHeadersReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	s.RegisterPath("/cb/1", "sub-1")
	req := notifyRequest("/cb/1", "", "upnp:propchange", "<x/>")
	rec := httptest.NewRecorder()
	s.handleNotify(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleNotifySuccessDispatches(t *testing.T) {
	s, events := newTestServer(t)
	s.RegisterPath("/cb/1", "sub-1")
	req := notifyRequest("/cb/1", "upnp:event", "upnp:propchange", "<x/>")
	rec := httptest.NewRecorder()
	s.handleNotify(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case ev := <-events:
		if ev.SubscriptionID != model.SubscriptionId("sub-1") {
			t.Fatalf("unexpected subscription id: %v", ev.SubscriptionID)
		}
	default:
		t.Fatal("expected an event to be dispatched")
	}
}

func TestHandleNotifyNonUTF8BodyReturns400(t *testing.T) {
	s, events := newTestServer(t)
	s.RegisterPath("/cb/1", "sub-1")
	req := notifyRequest("/cb/1", "upnp:event", "upnp:propchange", "<x>\xff\xfe</x>")
	rec := httptest.NewRecorder()
	s.handleNotify(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	select {
	case <-events:
		t.Fatal("non-UTF-8 body must not be dispatched")
	default:
	}
}

func TestRouteRegistrationIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	s.RegisterPath("/cb/1", "sub-1")
	s.RegisterPath("/cb/1", "sub-1")
	if s.RouteCount() != 1 {
		t.Fatalf("expected 1 route, got %d", s.RouteCount())
	}
	s.UnregisterPath("/cb/1")
	s.UnregisterPath("/cb/1")
	if s.RouteCount() != 0 {
		t.Fatalf("expected 0 routes after unregister, got %d", s.RouteCount())
	}
}
