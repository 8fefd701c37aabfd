// Package topology implements the ZoneGroupTopology parser (component C4)
// and the topology differ (component C5).
package topology

import (
	"fmt"
	"strings"

	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/streamerr"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

const (
	maxGroups         = 128
	maxMembersPerGroup = 64
)

// ParseZoneGroupState decodes a raw NOTIFY body for the ZoneGroupTopology
// service's ZoneGroupState property into a model.Topology snapshot.
func ParseZoneGroupState(body []byte, limits xmldecode.Limits) (model.Topology, error) {
	root, err := xmldecode.DecodeProperty(body, "ZoneGroupState", limits)
	if err != nil {
		return model.Topology{}, err
	}

	zoneGroups := root.Find("ZoneGroups")
	if zoneGroups == nil {
		return model.Topology{}, nil
	}

	groupEls := zoneGroups.ChildrenNamed("ZoneGroup")
	if len(groupEls) > maxGroups {
		return model.Topology{}, streamerr.New(streamerr.KindXMLParseError, fmt.Sprintf("zone group state exceeds cap of %d groups", maxGroups))
	}

	var groups []model.Group
	for _, g := range groupEls {
		coordinator := g.Attr("Coordinator")
		if coordinator == "" {
			continue
		}

		memberEls := g.ChildrenNamed("ZoneGroupMember")
		if len(memberEls) > maxMembersPerGroup {
			return model.Topology{}, streamerr.New(streamerr.KindXMLParseError, fmt.Sprintf("zone group exceeds cap of %d members", maxMembersPerGroup))
		}

		var members []model.GroupMember
		for _, m := range memberEls {
			uuid := m.Attr("UUID")
			if uuid == "" {
				continue
			}
			members = append(members, model.GroupMember{
				SpeakerID:  model.SpeakerId(uuid),
				Satellites: parseSatellites(m),
			})
		}

		if len(members) == 0 {
			continue
		}

		groups = append(groups, model.Group{
			ID:          model.GroupIdForCoordinator(model.SpeakerId(coordinator)),
			Coordinator: model.SpeakerId(coordinator),
			Members:     members,
		})
	}

	return model.Topology{Groups: groups}, nil
}

// parseSatellites accepts both the nested <Satellite UUID="..."/> form and
// the comma-separated Satellites="..." attribute form.
func parseSatellites(member *xmldecode.Element) []model.SpeakerId {
	var out []model.SpeakerId

	for _, s := range member.ChildrenNamed("Satellite") {
		if uuid := s.Attr("UUID"); uuid != "" {
			out = append(out, model.SpeakerId(uuid))
		}
	}

	if attr := member.Attr("Satellites"); attr != "" {
		for _, part := range strings.Split(attr, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, model.SpeakerId(part))
			}
		}
	}

	return out
}
