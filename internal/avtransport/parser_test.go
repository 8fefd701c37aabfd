package avtransport

import (
	"strings"
	"testing"

	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

func wrapLastChange(inner string) []byte {
	escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(inner)
	return []byte(`<propertyset><property><LastChange>` + escaped + `</LastChange></property></propertyset>`)
}

func TestParsePlaybackStateChanged(t *testing.T) {
	body := wrapLastChange(`<Event><InstanceID val="0"><TransportState val="PLAYING"/></InstanceID></Event>`)
	events, err := Parse("S1", body, xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != model.PlaybackStateChanged || events[0].PlaybackState != model.PlaybackPlaying {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParseUnknownTransportStateYieldsNoEvent(t *testing.T) {
	body := wrapLastChange(`<Event><InstanceID val="0"><TransportState val="BOGUS"/></InstanceID></Event>`)
	events, err := Parse("S1", body, xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestParseTrackChangedWithDuration(t *testing.T) {
	didl := `&lt;DIDL-Lite&gt;&lt;item&gt;&lt;dc:title&gt;Song&lt;/dc:title&gt;&lt;/item&gt;&lt;/DIDL-Lite&gt;`
	inner := `<Event><InstanceID val="0">` +
		`<CurrentTrackMetaData val="` + didl + `"/>` +
		`<CurrentTrackDuration val="0:03:30.500"/>` +
		`</InstanceID></Event>`
	body := wrapLastChange(inner)

	events, err := Parse("S1", body, xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != model.TrackChanged {
		t.Fatalf("unexpected events: %+v", events)
	}
	track := events[0].Track
	if track == nil || track.Title != "Song" {
		t.Fatalf("unexpected track: %+v", track)
	}
	if track.DurationMs == nil || *track.DurationMs != uint64(3*60*1000+30*1000+500) {
		t.Fatalf("unexpected duration: %+v", track.DurationMs)
	}
}

func TestParseNotImplementedMetadataYieldsNoTrackEvent(t *testing.T) {
	inner := `<Event><InstanceID val="0"><CurrentTrackMetaData val="NOT_IMPLEMENTED"/></InstanceID></Event>`
	body := wrapLastChange(inner)

	events, err := Parse("S1", body, xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestParseTransportStatusErrorOccurred(t *testing.T) {
	body := wrapLastChange(`<Event><InstanceID val="0"><TransportState val="STOPPED"/><TransportStatus val="ERROR_OCCURRED"/></InstanceID></Event>`)
	events, err := Parse("S1", body, xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected PlaybackStateChanged + TransportInfoChanged, got %+v", events)
	}
	if events[0].Kind != model.PlaybackStateChanged {
		t.Fatalf("expected PlaybackStateChanged first, got %+v", events[0])
	}
	if events[1].Kind != model.TransportInfoChanged || events[1].TransportStatus != model.TransportStatusErrorOccurred {
		t.Fatalf("expected TransportInfoChanged with ErrorOccurred, got %+v", events[1])
	}
}

func TestParseUnknownTransportStatusYieldsNoEvent(t *testing.T) {
	body := wrapLastChange(`<Event><InstanceID val="0"><TransportStatus val="BOGUS"/></InstanceID></Event>`)
	events, err := Parse("S1", body, xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestParseEmptyBodyYieldsError(t *testing.T) {
	_, err := Parse("S1", nil, xmldecode.DefaultLimits)
	if err == nil {
		t.Fatal("expected error for empty body")
	}
}
