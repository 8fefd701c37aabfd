package cache

import (
	"testing"

	"github.com/snarg/sonosevents/internal/model"
)

func TestInitializeIsIdempotent(t *testing.T) {
	c := New()
	speakers := []model.Speaker{{ID: "A"}, {ID: "B"}}
	groups := []model.Group{{ID: "g1", Coordinator: "A", Members: []model.GroupMember{{SpeakerID: "A"}, {SpeakerID: "B"}}}}

	c.Initialize(speakers, groups)
	first := c.Speakers()
	c.Initialize(speakers, groups)
	second := c.Speakers()

	if len(first) != len(speakers) || len(second) != len(speakers) {
		t.Fatalf("expected %d speakers, got %d and %d", len(speakers), len(first), len(second))
	}
	if len(c.Groups()) != len(groups) {
		t.Fatalf("expected %d groups, got %d", len(groups), len(c.Groups()))
	}
}

func TestInitializeAssignsGroupIDAndCoordinator(t *testing.T) {
	c := New()
	c.Initialize(
		[]model.Speaker{{ID: "A"}, {ID: "B"}},
		[]model.Group{{ID: "g1", Coordinator: "A", Members: []model.GroupMember{{SpeakerID: "A"}, {SpeakerID: "B"}}}},
	)

	a, _ := c.Get("A")
	if a.GroupID == nil || *a.GroupID != "g1" || !a.IsCoordinator {
		t.Fatalf("unexpected coordinator state: %+v", a)
	}
	b, _ := c.Get("B")
	if b.GroupID == nil || *b.GroupID != "g1" || b.IsCoordinator {
		t.Fatalf("unexpected member state: %+v", b)
	}
}

func TestFieldUpdatesTouchOnlyNamedField(t *testing.T) {
	c := New()
	c.Initialize([]model.Speaker{{ID: "A"}}, nil)
	c.UpdateVolume("A", 42)
	c.UpdateMute("A", true)

	st, _ := c.Get("A")
	if st.Volume != 42 || !st.Muted {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.PlaybackState != model.PlaybackUnknown {
		t.Fatalf("expected untouched playback state, got %v", st.PlaybackState)
	}
}

func TestUpdateTransportInfoTouchesOnlyNamedFields(t *testing.T) {
	c := New()
	c.Initialize([]model.Speaker{{ID: "A"}}, nil)
	c.UpdateVolume("A", 10)

	c.UpdateTransportInfo("A", "PLAYING", model.TransportStatusErrorOccurred)

	st, _ := c.Get("A")
	if st.TransportState != "PLAYING" || st.TransportStatus != model.TransportStatusErrorOccurred {
		t.Fatalf("unexpected transport info: %+v", st)
	}
	if st.Volume != 10 {
		t.Fatalf("expected untouched volume, got %v", st.Volume)
	}
}

func TestApplyGroupEventSequence(t *testing.T) {
	c := New()
	c.Initialize([]model.Speaker{{ID: "A"}, {ID: "B"}}, nil)

	c.ApplyGroupEvent(model.StateChange{Kind: model.GroupFormed, GroupID: "g1", CoordinatorID: "A", InitialMembers: []model.SpeakerId{"A"}})
	c.ApplyGroupEvent(model.StateChange{Kind: model.SpeakerJoinedGroup, SpeakerID: "B", GroupID: "g1", CoordinatorID: "A"})

	groups := c.Groups()
	if len(groups) != 1 || len(groups[0].Members) != 2 {
		t.Fatalf("unexpected groups: %+v", groups)
	}

	c.ApplyGroupEvent(model.StateChange{Kind: model.SpeakerLeftGroup, SpeakerID: "B", FormerGroupID: "g1"})
	groups = c.Groups()
	if len(groups[0].Members) != 1 {
		t.Fatalf("expected B removed: %+v", groups)
	}

	b, _ := c.Get("B")
	if b.GroupID != nil {
		t.Fatalf("expected B to have no group after leaving: %+v", b)
	}
}
