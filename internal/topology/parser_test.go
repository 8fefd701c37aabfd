package topology

import (
	"fmt"
	"strings"
	"testing"

	"github.com/snarg/sonosevents/internal/streamerr"
	"github.com/snarg/sonosevents/internal/xmldecode"
)

func wrapZGS(inner string) []byte {
	escaped := strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(inner)
	return []byte(`<propertyset><property><ZoneGroupState>` + escaped + `</ZoneGroupState></property></propertyset>`)
}

func TestParseZoneGroupStateNestedSatellites(t *testing.T) {
	inner := `<ZoneGroups>` +
		`<ZoneGroup Coordinator="RINCON_A" ID="ignored">` +
		`<ZoneGroupMember UUID="RINCON_A"><Satellite UUID="RINCON_A_SUB"/></ZoneGroupMember>` +
		`</ZoneGroup>` +
		`</ZoneGroups>`
	topo, err := ParseZoneGroupState(wrapZGS(inner), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topo.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(topo.Groups))
	}
	g := topo.Groups[0]
	if len(g.Members) != 1 || len(g.Members[0].Satellites) != 1 || g.Members[0].Satellites[0] != "RINCON_A_SUB" {
		t.Fatalf("unexpected members: %+v", g.Members)
	}
}

func TestParseZoneGroupStateAttributeSatellites(t *testing.T) {
	inner := `<ZoneGroups>` +
		`<ZoneGroup Coordinator="RINCON_A" ID="ignored">` +
		`<ZoneGroupMember UUID="RINCON_A" Satellites="RINCON_A_SUB, RINCON_A_SUB2"/>` +
		`</ZoneGroup>` +
		`</ZoneGroups>`
	topo, err := ParseZoneGroupState(wrapZGS(inner), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sats := topo.Groups[0].Members[0].Satellites
	if len(sats) != 2 || sats[0] != "RINCON_A_SUB" || sats[1] != "RINCON_A_SUB2" {
		t.Fatalf("unexpected satellites: %+v", sats)
	}
}

func TestParseZoneGroupStateSkipsEmptyCoordinatorAndMember(t *testing.T) {
	inner := `<ZoneGroups>` +
		`<ZoneGroup Coordinator="" ID="x"><ZoneGroupMember UUID="A"/></ZoneGroup>` +
		`<ZoneGroup Coordinator="B" ID="y">` +
		`<ZoneGroupMember UUID=""/>` +
		`<ZoneGroupMember UUID="B"/>` +
		`</ZoneGroup>` +
		`</ZoneGroups>`
	topo, err := ParseZoneGroupState(wrapZGS(inner), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topo.Groups) != 1 {
		t.Fatalf("expected 1 group after skipping, got %d: %+v", len(topo.Groups), topo.Groups)
	}
	if len(topo.Groups[0].Members) != 1 || topo.Groups[0].Members[0].SpeakerID != "B" {
		t.Fatalf("unexpected members: %+v", topo.Groups[0].Members)
	}
}

func groupsXML(n int) string {
	var b strings.Builder
	b.WriteString("<ZoneGroups>")
	for i := 0; i < n; i++ {
		coordinator := fmt.Sprintf("RINCON_%d", i)
		fmt.Fprintf(&b, `<ZoneGroup Coordinator="%s" ID="g%d"><ZoneGroupMember UUID="%s"/></ZoneGroup>`, coordinator, i, coordinator)
	}
	b.WriteString("</ZoneGroups>")
	return b.String()
}

func membersXML(n int) string {
	var b strings.Builder
	b.WriteString(`<ZoneGroups><ZoneGroup Coordinator="RINCON_0" ID="g">`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<ZoneGroupMember UUID="RINCON_%d"/>`, i)
	}
	b.WriteString("</ZoneGroup></ZoneGroups>")
	return b.String()
}

func TestParseZoneGroupStateAtGroupCapSucceeds(t *testing.T) {
	_, err := ParseZoneGroupState(wrapZGS(groupsXML(maxGroups)), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("expected %d groups to be within cap, got error: %v", maxGroups, err)
	}
}

func TestParseZoneGroupStateOverGroupCapIsRejected(t *testing.T) {
	_, err := ParseZoneGroupState(wrapZGS(groupsXML(maxGroups+1)), xmldecode.DefaultLimits)
	if err == nil {
		t.Fatal("expected an error for a payload exceeding the group cap")
	}
	if !streamerr.IsKind(err, streamerr.KindXMLParseError) {
		t.Fatalf("expected KindXMLParseError, got %v", err)
	}
}

func TestParseZoneGroupStateAtMemberCapSucceeds(t *testing.T) {
	_, err := ParseZoneGroupState(wrapZGS(membersXML(maxMembersPerGroup)), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("expected %d members to be within cap, got error: %v", maxMembersPerGroup, err)
	}
}

func TestParseZoneGroupStateOverMemberCapIsRejected(t *testing.T) {
	_, err := ParseZoneGroupState(wrapZGS(membersXML(maxMembersPerGroup+1)), xmldecode.DefaultLimits)
	if err == nil {
		t.Fatal("expected an error for a group exceeding the member cap")
	}
	if !streamerr.IsKind(err, streamerr.KindXMLParseError) {
		t.Fatalf("expected KindXMLParseError, got %v", err)
	}
}

func TestParseZoneGroupStateEmptyGroupNeverEmitted(t *testing.T) {
	inner := `<ZoneGroups><ZoneGroup Coordinator="A" ID="x"></ZoneGroup></ZoneGroups>`
	topo, err := ParseZoneGroupState(wrapZGS(inner), xmldecode.DefaultLimits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topo.Groups) != 0 {
		t.Fatalf("expected empty topology, got %+v", topo.Groups)
	}
}
