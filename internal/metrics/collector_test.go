package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/snarg/sonosevents/internal/model"
)

type fakeStats struct{ speakers, subs int }

func (f fakeStats) SpeakerCount() int      { return f.speakers }
func (f fakeStats) SubscriptionCount() int { return f.subs }

type fakeGroups struct{ groups []model.Group }

func (f fakeGroups) Groups() []model.Group { return f.groups }

func TestCollectorReportsLiveCounts(t *testing.T) {
	c := NewCollector(fakeStats{speakers: 3, subs: 7}, fakeGroups{groups: []model.Group{{ID: "g1"}, {ID: "g2"}}})

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			got[fam.GetName()] = gaugeValue(m)
		}
	}

	if got["sonosevents_active_speakers"] != 3 {
		t.Errorf("active_speakers = %v, want 3", got["sonosevents_active_speakers"])
	}
	if got["sonosevents_active_subscriptions"] != 7 {
		t.Errorf("active_subscriptions = %v, want 7", got["sonosevents_active_subscriptions"])
	}
	if got["sonosevents_active_groups"] != 2 {
		t.Errorf("active_groups = %v, want 2", got["sonosevents_active_groups"])
	}
}

func TestCollectorHandlesNilSources(t *testing.T) {
	c := NewCollector(nil, nil)
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather with nil sources: %v", err)
	}
}

func gaugeValue(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return 0
}
