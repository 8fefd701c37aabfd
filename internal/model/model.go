// Package model holds the data types shared across the event-streaming
// engine: speaker/group identity, topology snapshots, and cached per-speaker
// playback state.
package model

// SpeakerId is an opaque, immutable identity derived from a device's
// persistent UDN (e.g. "uuid:RINCON_XXXX::1"). Equality is by string value.
type SpeakerId string

// GroupId is derived deterministically from a group's coordinator SpeakerId
// at the time the group is observed. Two groups are "the same group" iff
// their GroupIds are equal.
type GroupId string

// SubscriptionId identifies one (speaker, service) subscription, or the
// single network-wide ZoneGroupTopology subscription. Generated with
// google/uuid at subscribe time.
type SubscriptionId string

// GroupIdForCoordinator computes the GroupId convention used throughout this
// package: coordinator-derived, so a coordinator change necessarily produces
// a new GroupId (see topology differ scenario 3 in the design notes).
func GroupIdForCoordinator(coordinator SpeakerId) GroupId {
	return GroupId("rincon:" + string(coordinator))
}

// Speaker is a discovered endpoint. Satellites are subordinate endpoints
// (surround/sub) bonded to this speaker; they share its identity graph but
// do not accept UPnP subscriptions directly.
type Speaker struct {
	ID         SpeakerId
	Name       string
	RoomName   string
	IP         string
	Port       int
	ModelName  string
	Satellites []SpeakerId
}

// GroupMember is one member of a playback group.
type GroupMember struct {
	SpeakerID  SpeakerId
	Satellites []SpeakerId
}

// Group is a synchronized playback zone. Invariants: Coordinator appears in
// exactly one Members entry; member SpeakerIds are unique within the group.
type Group struct {
	ID          GroupId
	Coordinator SpeakerId
	Members     []GroupMember
}

// AllSpeakerIDs returns the coordinator, every other member, and every
// satellite of every member, per the Group invariant in the data model.
func (g Group) AllSpeakerIDs() []SpeakerId {
	ids := make([]SpeakerId, 0, len(g.Members)*2)
	for _, m := range g.Members {
		ids = append(ids, m.SpeakerID)
		ids = append(ids, m.Satellites...)
	}
	return ids
}

// MemberSpeakerIDs returns just the SpeakerId of each member, excluding
// satellites.
func (g Group) MemberSpeakerIDs() []SpeakerId {
	ids := make([]SpeakerId, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.SpeakerID)
	}
	return ids
}

// PlaybackState mirrors the UPnP AVTransport TransportState values the
// engine understands.
type PlaybackState string

const (
	PlaybackUnknown      PlaybackState = ""
	PlaybackPlaying      PlaybackState = "Playing"
	PlaybackPaused       PlaybackState = "Paused"
	PlaybackStopped      PlaybackState = "Stopped"
	PlaybackTransitioning PlaybackState = "Transitioning"
)

// TrackInfo describes the currently playing track. All fields are optional:
// some sources (radio, line-in) omit most of them.
type TrackInfo struct {
	Title      string
	Artist     string
	Album      string
	DurationMs *uint64
	URI        string
}

// SpeakerState is the cached, authoritative view of one speaker.
type SpeakerState struct {
	Speaker         Speaker
	PlaybackState   PlaybackState
	Volume          int
	Muted           bool
	PositionMs      uint64
	CurrentTrack    *TrackInfo
	GroupID         *GroupId
	IsCoordinator   bool
	TransportState  string
	TransportStatus TransportStatus
}

// Topology is an ordered set of groups. Invariant: every SpeakerId appearing
// anywhere in the snapshot belongs to exactly one Group.
type Topology struct {
	Groups []Group
}

// GroupByID returns the group with the given id, if present.
func (t Topology) GroupByID(id GroupId) (Group, bool) {
	for _, g := range t.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}
