package feed

import (
	"testing"

	"github.com/blackmichael/campusfeed/internal/domain"
)

func TestStateOf(t *testing.T) {
	tests := []struct {
		name    string
		reports []string
		want    PostState
		count   int
	}{
		{name: "no reports", want: StateActive},
		{name: "seven reports", reports: []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"}, want: StateReported, count: 7},
		{name: "eight reports", reports: []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}, want: StateDeleted, count: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := otherPost("p1")
			p.Reports = domain.NewUIDSet(tt.reports...)
			got, n := StateOf(p, domain.StrikeThreshold)
			if got != tt.want || n != tt.count {
				t.Fatalf("StateOf = %s(%d), want %s(%d)", got, n, tt.want, tt.count)
			}
		})
	}
}

func TestModerationHideIsPerViewer(t *testing.T) {
	m := NewModeration(0)
	if m.Threshold() != domain.StrikeThreshold {
		t.Fatalf("expected default threshold, got %d", m.Threshold())
	}
	p := otherPost("p1")

	if !m.ShouldReport(p, "u1") {
		t.Fatal("fresh post should be reportable")
	}
	m.Hide("u1", "p1")
	if m.ShouldReport(p, "u1") {
		t.Fatal("hidden post must not be reported again")
	}
	if m.Visible(p, "u1") {
		t.Fatal("post must be hidden from the reporter")
	}
	if !m.Visible(p, "u2") {
		t.Fatal("post must stay visible to other viewers")
	}
}

func TestModerationServerReportSetHides(t *testing.T) {
	m := NewModeration(domain.StrikeThreshold)
	p := otherPost("p1")
	p.Reports = domain.NewUIDSet("u1")

	if m.ShouldReport(p, "u1") {
		t.Fatal("viewer already in report set")
	}
	got := m.Filter([]domain.Post{p, otherPost("p2")}, "u1")
	if len(got) != 1 || got[0].ID != "p2" {
		t.Fatalf("unexpected filter result %+v", got)
	}
}

func TestModerationDeletedAndReset(t *testing.T) {
	m := NewModeration(domain.StrikeThreshold)
	p := otherPost("p1")
	m.MarkDeleted("p1")
	if m.Visible(p, "u2") {
		t.Fatal("deleted post must be hidden from everyone")
	}
	m.Reset()
	if !m.Visible(p, "u2") {
		t.Fatal("reset must forget local state")
	}
}

func TestModerationDeferredReportFollowsClientKey(t *testing.T) {
	m := NewModeration(0)
	optimistic := domain.Post{ID: "k2", ClientKey: "k2"}
	m.Defer("u1", "k2")
	if m.Visible(optimistic, "u1") {
		t.Fatal("deferred post must be hidden while optimistic")
	}

	confirmed := domain.Post{ID: "srv1", ClientKey: "k2"}
	if m.Visible(confirmed, "u1") {
		t.Fatal("hide must carry over to the confirmed copy")
	}
	if !m.Visible(confirmed, "u2") {
		t.Fatal("other viewers are unaffected")
	}

	got := m.TakeDeferred([]domain.Post{otherPost("p1"), confirmed}, "u1")
	if len(got) != 1 || got[0].ID != "srv1" {
		t.Fatalf("expected srv1 released, got %+v", got)
	}
	if again := m.TakeDeferred([]domain.Post{confirmed}, "u1"); len(again) != 0 {
		t.Fatalf("a deferred report is released once, got %+v", again)
	}
}
