package seqstate

import "testing"

func TestWatermarkOrdering(t *testing.T) {
	s := New()
	s.Observe("HK.00700", 10)
	if !s.TryAccept("HK.00700", 10) {
		t.Fatal("expected accept of first seq")
	}
	s.MarkPersisted("HK.00700", 10)

	wm := s.Snapshot()["HK.00700"]
	if wm.Persisted > wm.Accepted || wm.Accepted > wm.Seen {
		t.Errorf("ordering violated: %+v", wm)
	}
}

func TestObserveAdvancesSeenOnly(t *testing.T) {
	s := New()
	s.Observe("HK.00700", 42)
	wm := s.Snapshot()["HK.00700"]
	if wm.Seen != 42 {
		t.Errorf("expected seen=42, got %d", wm.Seen)
	}
	if wm.Accepted != None || wm.Persisted != None {
		t.Errorf("accepted/persisted must not advance on observe: %+v", wm)
	}
}

func TestTryAcceptRejectsStaleSeq(t *testing.T) {
	s := New()
	if !s.TryAccept("HK.00700", 5) {
		t.Fatal("expected accept")
	}
	if s.TryAccept("HK.00700", 5) {
		t.Error("equal seq must be rejected")
	}
	if s.TryAccept("HK.00700", 4) {
		t.Error("lower seq must be rejected")
	}
	if !s.TryAccept("HK.00700", 6) {
		t.Error("higher seq must be accepted")
	}
}

func TestRollbackRestoresAccepted(t *testing.T) {
	s := New()
	s.TryAccept("HK.00700", 5)
	if !s.TryAccept("HK.00700", 8) {
		t.Fatal("expected accept")
	}
	s.RollbackAccept("HK.00700", 8)
	wm := s.Snapshot()["HK.00700"]
	if wm.Accepted != 5 {
		t.Errorf("expected accepted restored to 5, got %d", wm.Accepted)
	}
	// The rolled-back seq must be acceptable again.
	if !s.TryAccept("HK.00700", 8) {
		t.Error("expected re-accept after rollback")
	}
}

func TestNilSeqNeverAdvances(t *testing.T) {
	s := New()
	if !s.TryAccept("HK.00700", -1) {
		t.Fatal("nil-seq rows are always acceptable")
	}
	if wm := s.Snapshot()["HK.00700"]; wm.Accepted != None {
		t.Errorf("nil seq must not advance accepted, got %d", wm.Accepted)
	}
}

func TestBaselineUsesAcceptedAndPersisted(t *testing.T) {
	s := New()
	if s.Baseline("HK.00700") != None {
		t.Error("unknown symbol baseline must be None")
	}
	s.Observe("HK.00700", 100)
	if s.Baseline("HK.00700") != None {
		t.Error("seen must never feed the baseline")
	}
	s.TryAccept("HK.00700", 12)
	if got := s.Baseline("HK.00700"); got != 12 {
		t.Errorf("expected baseline=12, got %d", got)
	}
	s.MarkPersisted("HK.00700", 12)
	if got := s.Baseline("HK.00700"); got != 12 {
		t.Errorf("expected baseline=12, got %d", got)
	}
}

func TestSeedPersisted(t *testing.T) {
	s := New()
	s.SeedPersisted(map[string]int64{"HK.00700": 77})
	if got := s.Baseline("HK.00700"); got != 77 {
		t.Errorf("expected seeded baseline=77, got %d", got)
	}
	wm := s.Snapshot()["HK.00700"]
	if wm.Accepted < wm.Persisted {
		t.Errorf("seed must keep accepted >= persisted: %+v", wm)
	}
	if s.TryAccept("HK.00700", 77) {
		t.Error("seeded seq must be rejected as duplicate")
	}
	if !s.TryAccept("HK.00700", 78) {
		t.Error("next seq must be accepted")
	}
}

func TestMaxLag(t *testing.T) {
	s := New()
	s.Observe("HK.00700", 50)
	s.TryAccept("HK.00700", 30)
	s.MarkPersisted("HK.00700", 20)
	s.Observe("HK.00005", 5)
	s.MarkPersisted("HK.00005", 5)
	if got := s.MaxLag(); got != 30 {
		t.Errorf("expected max lag 30, got %d", got)
	}
}
