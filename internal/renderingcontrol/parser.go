// Package renderingcontrol implements the RenderingControl LastChange parser
// (component C3): volume and mute extraction, Master channel only.
package renderingcontrol

import (
	"strconv"
	"strings"

	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

// Parse decodes a raw NOTIFY body for the RenderingControl service into zero
// or more StateChange events, Volume-before-Mute, matching §4.3.
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

	if vol, ok := masterVolume(instance); ok {
		out = append(out, model.StateChange{
			Kind:      model.VolumeChanged,
			SpeakerID: speaker,
			Volume:    vol,
			Service:   model.ServiceRenderingControl,
		})
	}

	if muted, ok := masterMute(instance); ok {
		out = append(out, model.StateChange{
			Kind:      model.MuteChanged,
			SpeakerID: speaker,
			Muted:     muted,
			Service:   model.ServiceRenderingControl,
		})
	}

	return out, nil
}

func masterVolume(instance *xmldecode.Element) (int, bool) {
	var found *xmldecode.Element
	for _, v := range instance.ChildrenNamed("Volume") {
		if strings.EqualFold(v.Attr("channel"), "Master") {
			found = v
			break
		}
	}
	if found == nil {
		return 0, false
	}
	return parseVolume(found.Attr("val"))
}

func masterMute(instance *xmldecode.Element) (bool, bool) {
	var found *xmldecode.Element
	for _, m := range instance.ChildrenNamed("Mute") {
		if strings.EqualFold(m.Attr("channel"), "Master") {
			found = m
			break
		}
	}
	if found == nil {
		return false, false
	}
	return parseMute(found.Attr("val"))
}

// parseVolume accepts a plain non-negative integer (leading zeros ok,
// decimals/signs rejected) in 0..=100.
func parseVolume(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 100 {
		return 0, false
	}
	return n, true
}

var muteAliases = map[string]bool{
	"0": false, "1": true,
	"true": true, "false": false,
	"on": true, "off": false,
	"muted": true, "unmuted": false,
}

func parseMute(s string) (bool, bool) {
	v, ok := muteAliases[strings.ToLower(strings.TrimSpace(s))]
	return v, ok
}
