package renderingcontrol

import (
	"strings"
	"testing"

	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

func wrap(inner string) []byte {
	escaped := strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(inner)
	return []byte(`<propertyset><property><LastChange>` + escaped + `</LastChange></property></propertyset>`)
}

func TestParseVolumeAndMuteOrdering(t *testing.T) {
	inner := `<Event><InstanceID val="0">` +
		`<Volume channel="Master" val="75"/>` +
		`<Volume channel="LF" val="10"/>` +
		`<Mute channel="Master" val="1"/>` +
		`</InstanceID></Event>`
	events, err := Parse("S", wrap(inner), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != model.VolumeChanged || events[0].Volume != 75 {
		t.Fatalf("expected volume event first: %+v", events[0])
	}
	if events[1].Kind != model.MuteChanged || !events[1].Muted {
		t.Fatalf("expected mute event second: %+v", events[1])
	}
}

func TestVolumeBoundaries(t *testing.T) {
	cases := []struct {
		val  string
		want bool
	}{
		{"0", true}, {"100", true}, {"-1", false}, {"101", false}, {"07", true}, {"1.5", false}, {"abc", false},
	}
	for _, c := range cases {
		_, ok := parseVolume(c.val)
		if ok != c.want {
			t.Errorf("parseVolume(%q) ok=%v want=%v", c.val, ok, c.want)
		}
	}
}

func TestMuteAliases(t *testing.T) {
	cases := []struct {
		val     string
		wantOK  bool
		wantVal bool
	}{
		{"0", true, false}, {"1", true, true},
		{"true", true, true}, {"FALSE", true, false},
		{"on", true, true}, {"OFF", true, false},
		{"Muted", true, true}, {"unmuted", true, false},
		{"maybe", false, false},
	}
	for _, c := range cases {
		v, ok := parseMute(c.val)
		if ok != c.wantOK {
			t.Errorf("parseMute(%q) ok=%v want=%v", c.val, ok, c.wantOK)
			continue
		}
		if ok && v != c.wantVal {
			t.Errorf("parseMute(%q)=%v want=%v", c.val, v, c.wantVal)
		}
	}
}

func TestNoPropertiesYieldsNoEvents(t *testing.T) {
	inner := `<Event><InstanceID val="0"></InstanceID></Event>`
	events, err := Parse("S", wrap(inner), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}
