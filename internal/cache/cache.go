// Package cache implements the thread-safe state cache (component C9): the
// authoritative in-memory model of speakers, groups, and per-speaker state.
package cache

import (
	"sync"

	"github.com/snarg/sonosevents/internal/model"
)

// Cache is safe for concurrent use. Readers block only for the duration of
// a single map lookup; writers serialize via a single RWMutex.
type Cache struct {
	mu       sync.RWMutex
	speakers map[model.SpeakerId]*model.SpeakerState
	groups   []model.Group
}

func New() *Cache {
	return &Cache{
		speakers: make(map[model.SpeakerId]*model.SpeakerState),
	}
}

// Initialize replaces the speaker and group model wholesale. It is
// idempotent: calling it twice with the same inputs leaves the cache
// equivalent to a single call.
func (c *Cache) Initialize(speakers []model.Speaker, groups []model.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.speakers = make(map[model.SpeakerId]*model.SpeakerState, len(speakers))
	for _, sp := range speakers {
		c.speakers[sp.ID] = &model.SpeakerState{Speaker: sp}
	}
	c.groups = append([]model.Group(nil), groups...)
	c.applyGroupAssignmentsLocked()
}

// Get returns a copy of the cached state for a speaker, or false if absent.
func (c *Cache) Get(id model.SpeakerId) (model.SpeakerState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.speakers[id]
	if !ok {
		return model.SpeakerState{}, false
	}
	return *st, true
}

// Speakers returns a copy of every cached speaker state.
func (c *Cache) Speakers() []model.SpeakerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.SpeakerState, 0, len(c.speakers))
	for _, st := range c.speakers {
		out = append(out, *st)
	}
	return out
}

// Groups returns a copy of the current group list.
func (c *Cache) Groups() []model.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Group(nil), c.groups...)
}

// AddSpeaker inserts a speaker with zero-value playback state if not already
// present.
func (c *Cache) AddSpeaker(sp model.Speaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.speakers[sp.ID]; !ok {
		c.speakers[sp.ID] = &model.SpeakerState{Speaker: sp}
	}
}

// RemoveSpeaker deletes a speaker's cached state.
func (c *Cache) RemoveSpeaker(id model.SpeakerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.speakers, id)
}

func (c *Cache) UpdateVolume(id model.SpeakerId, volume int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.speakers[id]; ok {
		st.Volume = volume
	}
}

func (c *Cache) UpdateMute(id model.SpeakerId, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.speakers[id]; ok {
		st.Muted = muted
	}
}

func (c *Cache) UpdatePlaybackState(id model.SpeakerId, state model.PlaybackState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.speakers[id]; ok {
		st.PlaybackState = state
	}
}

func (c *Cache) UpdatePosition(id model.SpeakerId, positionMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.speakers[id]; ok {
		st.PositionMs = positionMs
	}
}

func (c *Cache) UpdateTrack(id model.SpeakerId, track *model.TrackInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.speakers[id]; ok {
		st.CurrentTrack = track
	}
}

func (c *Cache) UpdateTransportInfo(id model.SpeakerId, state string, status model.TransportStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.speakers[id]; ok {
		st.TransportState = state
		st.TransportStatus = status
	}
}

// ApplyGroupEvent folds one topology StateChange into the group list, then
// recomputes per-speaker group_id/is_coordinator assignments, matching
// §4.9's "compound update" contract.
func (c *Cache) ApplyGroupEvent(ev model.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case model.GroupFormed:
		c.groups = append(c.groups, model.Group{
			ID:          ev.GroupID,
			Coordinator: ev.CoordinatorID,
			Members:     membersFromIDs(ev.InitialMembers),
		})
	case model.GroupDissolved:
		c.groups = removeGroup(c.groups, ev.GroupID)
	case model.SpeakerJoinedGroup:
		c.groups = addMember(c.groups, ev.GroupID, ev.SpeakerID)
	case model.SpeakerLeftGroup:
		c.groups = removeMember(c.groups, ev.FormerGroupID, ev.SpeakerID)
	case model.CoordinatorChanged:
		c.groups = setCoordinator(c.groups, ev.GroupID, ev.NewCoordinator)
	}

	c.applyGroupAssignmentsLocked()
}

func (c *Cache) applyGroupAssignmentsLocked() {
	for _, st := range c.speakers {
		st.GroupID = nil
		st.IsCoordinator = false
	}
	for _, g := range c.groups {
		gid := g.ID
		for _, m := range g.Members {
			if st, ok := c.speakers[m.SpeakerID]; ok {
				st.GroupID = &gid
				st.IsCoordinator = m.SpeakerID == g.Coordinator
			}
		}
	}
}

func membersFromIDs(ids []model.SpeakerId) []model.GroupMember {
	out := make([]model.GroupMember, len(ids))
	for i, id := range ids {
		out[i] = model.GroupMember{SpeakerID: id}
	}
	return out
}

func removeGroup(groups []model.Group, id model.GroupId) []model.Group {
	out := groups[:0:0]
	for _, g := range groups {
		if g.ID != id {
			out = append(out, g)
		}
	}
	return out
}

func addMember(groups []model.Group, id model.GroupId, speaker model.SpeakerId) []model.Group {
	for i, g := range groups {
		if g.ID == id {
			for _, m := range g.Members {
				if m.SpeakerID == speaker {
					return groups
				}
			}
			groups[i].Members = append(groups[i].Members, model.GroupMember{SpeakerID: speaker})
			return groups
		}
	}
	return groups
}

func removeMember(groups []model.Group, id model.GroupId, speaker model.SpeakerId) []model.Group {
	for i, g := range groups {
		if g.ID == id {
			members := g.Members[:0:0]
			for _, m := range g.Members {
				if m.SpeakerID != speaker {
					members = append(members, m)
				}
			}
			groups[i].Members = members
			return groups
		}
	}
	return groups
}

func setCoordinator(groups []model.Group, id model.GroupId, newCoordinator model.SpeakerId) []model.Group {
	for i, g := range groups {
		if g.ID == id {
			groups[i].Coordinator = newCoordinator
			return groups
		}
	}
	return groups
}
