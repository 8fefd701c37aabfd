// Package avtransport implements the AVTransport LastChange parser
// (component C2): playback state transitions and track metadata.
package avtransport

import (
	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

var transportStateMap = map[string]model.PlaybackState{
	"PLAYING":          model.PlaybackPlaying,
	"PAUSED_PLAYBACK":  model.PlaybackPaused,
	"STOPPED":          model.PlaybackStopped,
	"TRANSITIONING":    model.PlaybackTransitioning,
}

var transportStatusMap = map[string]model.TransportStatus{
	"OK":             model.TransportStatusOK,
	"ERROR_OCCURRED": model.TransportStatusErrorOccurred,
}

// Parse decodes a raw NOTIFY body for the AVTransport service into zero or
// more StateChange events, in the order PlaybackStateChanged,
// TransportInfoChanged, then TrackChanged.
func Parse(speaker model.SpeakerId, body []byte, limits xmldecode.Limits) ([]model.StateChange, error) {
	event, err := xmldecode.DecodeProperty(body, "LastChange", limits)
	if err != nil {
		return nil, err
	}

	instance := event.Child("InstanceID")
	if instance == nil {
		return nil, nil
	}

	var out []model.StateChange

	if ts := instance.Child("TransportState"); ts != nil {
		if state, ok := transportStateMap[ts.Attr("val")]; ok {
			out = append(out, model.StateChange{
				Kind:          model.PlaybackStateChanged,
				SpeakerID:     speaker,
				PlaybackState: state,
				Service:       model.ServiceAVTransport,
			})
		}
	}

	if status := instance.Child("TransportStatus"); status != nil {
		if ts, ok := transportStatusMap[status.Attr("val")]; ok {
			var rawState string
			if ts2 := instance.Child("TransportState"); ts2 != nil {
				rawState = ts2.Attr("val")
			}
			out = append(out, model.StateChange{
				Kind:            model.TransportInfoChanged,
				SpeakerID:       speaker,
				TransportState:  rawState,
				TransportStatus: ts,
				Service:         model.ServiceAVTransport,
			})
		}
	}

	if md := instance.Child("CurrentTrackMetaData"); md != nil {
		if track := parseDIDLItem(md.Attr("val")); track != nil {
			if dur := instance.Child("CurrentTrackDuration"); dur != nil {
				if ms, ok := parseDuration(dur.Attr("val")); ok {
					track.DurationMs = &ms
				}
			}
			out = append(out, model.StateChange{
				Kind:      model.TrackChanged,
				SpeakerID: speaker,
				Track:     track,
				Service:   model.ServiceAVTransport,
			})
		}
	}

	return out, nil
}
