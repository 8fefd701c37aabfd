package subscription

import (
	"github.com/snarg/sonosevents/internal/avtransport"
	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/renderingcontrol"
	"github.com/snarg/sonosevents/internal/topology"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

// AVTransportParser adapts the AVTransport package parser to parseFunc.
func AVTransportParser(limits xmldecode.Limits) parseFunc {
	return func(speaker model.SpeakerId, body []byte) ([]model.StateChange, error) {
		return avtransport.Parse(speaker, body, limits)
	}
}

// RenderingControlParser adapts the RenderingControl package parser to
// parseFunc.
func RenderingControlParser(limits xmldecode.Limits) parseFunc {
	return func(speaker model.SpeakerId, body []byte) ([]model.StateChange, error) {
		return renderingcontrol.Parse(speaker, body, limits)
	}
}

// ZoneGroupTopologyParser parses a ZoneGroupState NOTIFY body and folds the
// result through the shared Differ, so the events returned to the caller are
// already the structural GroupFormed/GroupDissolved/... events rather than
// the raw snapshot.
func ZoneGroupTopologyParser(differ *topology.Differ, limits xmldecode.Limits) parseFunc {
	return func(_ model.SpeakerId, body []byte) ([]model.StateChange, error) {
		snapshot, err := topology.ParseZoneGroupState(body, limits)
		if err != nil {
			return nil, err
		}
		return differ.Diff(snapshot), nil
	}
}
