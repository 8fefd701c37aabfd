package topology

import (
	"sort"
	"sync"

	"github.com/snarg/sonosevents/internal/model"
)

// Differ computes structural change events between successive topology
// snapshots (component C5). It is safe for concurrent use; the baseline is
// guarded by a mutex because ParseEvent is invoked under a read-like
// contract from the owning subscription but must mutate the stored
// baseline (see design notes).
type Differ struct {
	mu       sync.Mutex
	baseline *model.Topology
}

func NewDiffer() *Differ {
	return &Differ{}
}

// Diff compares the stored baseline against the new snapshot and returns the
// ordered event sequence described in §4.5. If no baseline is stored yet
// (first call), it stores n and returns no events.
func (d *Differ) Diff(n model.Topology) []model.StateChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.baseline == nil {
		baseline := n
		d.baseline = &baseline
		return nil
	}

	events := diff(*d.baseline, n)
	baseline := n
	d.baseline = &baseline
	return events
}

// Reset clears the stored baseline, so the next Diff call behaves as an
// initial snapshot (emits nothing).
func (d *Differ) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline = nil
}

// diff is the pure function underlying Differ.Diff, kept as a package-level
// (unexported) function so tests in this package can call it directly
// without the mutex/baseline plumbing.
func diff(p, n model.Topology) []model.StateChange {
	sortedN := sortedGroups(n.Groups)
	sortedP := sortedGroups(p.Groups)

	pByID := groupsByID(sortedP)
	nByID := groupsByID(sortedN)

	var events []model.StateChange

	// 1. Formations: groups present in N but not P.
	for _, g := range sortedN {
		if _, ok := pByID[g.ID]; !ok {
			events = append(events, model.StateChange{
				Kind:           model.GroupFormed,
				GroupID:        g.ID,
				CoordinatorID:  g.Coordinator,
				InitialMembers: g.MemberSpeakerIDs(),
			})
		}
	}

	// 2. Dissolutions: groups present in P but not N.
	for _, g := range sortedP {
		if _, ok := nByID[g.ID]; !ok {
			events = append(events, model.StateChange{
				Kind:              model.GroupDissolved,
				GroupID:           g.ID,
				FormerCoordinator: g.Coordinator,
				FormerMembers:     g.MemberSpeakerIDs(),
			})
		}
	}

	// 3. Membership changes: speaker -> group_id mapping, old vs new.
	oldMap := speakerGroupMap(sortedP)
	newMap := speakerGroupMap(sortedN)

	speakers := make(map[model.SpeakerId]bool)
	for s := range oldMap {
		speakers[s] = true
	}
	for s := range newMap {
		speakers[s] = true
	}
	orderedSpeakers := make([]model.SpeakerId, 0, len(speakers))
	for s := range speakers {
		orderedSpeakers = append(orderedSpeakers, s)
	}
	sort.Slice(orderedSpeakers, func(i, j int) bool { return orderedSpeakers[i] < orderedSpeakers[j] })

	for _, s := range orderedSpeakers {
		oldGid, hadOld := oldMap[s]
		newGid, hasNew := newMap[s]
		if hadOld && hasNew && oldGid == newGid {
			continue
		}
		if hadOld {
			events = append(events, model.StateChange{
				Kind:          model.SpeakerLeftGroup,
				SpeakerID:     s,
				FormerGroupID: oldGid,
			})
		}
		if hasNew {
			newGroup := nByID[newGid]
			events = append(events, model.StateChange{
				Kind:          model.SpeakerJoinedGroup,
				SpeakerID:     s,
				GroupID:       newGid,
				CoordinatorID: newGroup.Coordinator,
			})
		}
	}

	// 4. Coordinator changes: same group id, different coordinator. Only
	// reachable for non-coordinator-derived id schemes — see design notes.
	for _, g := range sortedN {
		if old, ok := pByID[g.ID]; ok && old.Coordinator != g.Coordinator {
			events = append(events, model.StateChange{
				Kind:           model.CoordinatorChanged,
				GroupID:        g.ID,
				OldCoordinator: old.Coordinator,
				NewCoordinator: g.Coordinator,
			})
		}
	}

	return events
}

func sortedGroups(groups []model.Group) []model.Group {
	out := make([]model.Group, len(groups))
	copy(out, groups)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func groupsByID(groups []model.Group) map[model.GroupId]model.Group {
	m := make(map[model.GroupId]model.Group, len(groups))
	for _, g := range groups {
		m[g.ID] = g
	}
	return m
}

func speakerGroupMap(groups []model.Group) map[model.SpeakerId]model.GroupId {
	m := make(map[model.SpeakerId]model.GroupId)
	for _, g := range groups {
		for _, s := range g.MemberSpeakerIDs() {
			m[s] = g.ID
		}
	}
	return m
}
