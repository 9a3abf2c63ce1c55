package engine

import (
	"testing"

	"travelkit/internal/config"
)

func newTestOptimizer() *Optimizer {
	cfg := config.Default()
	return NewOptimizer(cfg.Optimizer, NewScorer(cfg.Compat))
}

func mkGroup(id int64, fromDay, currentSize, maxSize int) Group {
	return Group{
		ID:            id,
		DestinationID: 1,
		DateFrom:      testBase.AddDate(0, 0, fromDay),
		DateTo:        testBase.AddDate(0, 0, fromDay+7),
		MinSize:       4,
		MaxSize:       maxSize,
		CurrentSize:   currentSize,
		Status:        GroupForming,
	}
}

func TestAdmitWindow(t *testing.T) {
	o := newTestOptimizer()
	g := mkGroup(1, 20, 4, 20)
	from, to := o.AdmitWindow(g)
	if !from.Equal(testBase.AddDate(0, 0, 17)) {
		t.Errorf("admit from = %v, want day 17", from)
	}
	if !to.Equal(testBase.AddDate(0, 0, 30)) {
		t.Errorf("admit to = %v, want day 30", to)
	}
}

func TestSelectAdmissions(t *testing.T) {
	o := newTestOptimizer()
	g := mkGroup(1, 20, 16, 20) // room for 4 more people
	members := []Interest{
		mkInterest(1, 20, 2, 500, 1200),
		mkInterest(2, 20, 2, 500, 1200),
	}

	perfect := mkInterest(10, 20, 2, 500, 1200)
	tooBig := mkInterest(11, 20, 10, 500, 1200)
	wrongDest := mkInterest(12, 20, 2, 500, 1200)
	wrongDest.DestinationID = 2
	poorFit := mkInterest(13, 50, 2, 500, 1200)
	secondPerfect := mkInterest(14, 20, 2, 500, 1200)

	admitted := o.SelectAdmissions(g, members,
		[]Interest{perfect, tooBig, wrongDest, poorFit, secondPerfect})

	if len(admitted) != 2 {
		t.Fatalf("admitted = %d interests, want 2", len(admitted))
	}
	ids := map[int64]bool{admitted[0].ID: true, admitted[1].ID: true}
	if !ids[10] || !ids[14] {
		t.Errorf("admitted ids = %v, want {10, 14}", ids)
	}
}

func TestSelectAdmissions_NoCapacity(t *testing.T) {
	o := newTestOptimizer()
	g := mkGroup(1, 20, 20, 20)
	open := []Interest{mkInterest(10, 20, 2, 500, 1200)}
	if got := o.SelectAdmissions(g, nil, open); got != nil {
		t.Errorf("admitted at capacity = %v, want nil", got)
	}
}

func TestSmallGroup(t *testing.T) {
	o := newTestOptimizer()
	if !o.SmallGroup(mkGroup(1, 20, 5, 20)) {
		t.Error("size 5 should be a small group")
	}
	if o.SmallGroup(mkGroup(2, 20, 6, 20)) {
		t.Error("size 6 should not be a small group")
	}
}

func TestMergeCandidate(t *testing.T) {
	o := newTestOptimizer()
	aMembers := []Interest{mkInterest(1, 20, 1, 500, 1200), mkInterest(2, 20, 1, 500, 1200)}
	bMembers := []Interest{mkInterest(3, 23, 1, 500, 1200), mkInterest(4, 23, 1, 500, 1200)}

	a := mkGroup(1, 20, 4, 20)
	b := mkGroup(2, 23, 4, 20)
	score, ok := o.MergeCandidate(a, aMembers, b, bMembers)
	if !ok {
		t.Fatalf("compatible pair not a merge candidate (score %v)", score)
	}
	if score < 0.70 {
		t.Errorf("score = %v, want >= 0.70", score)
	}

	// Start dates too far apart.
	far := mkGroup(3, 33, 4, 20)
	if _, ok := o.MergeCandidate(a, aMembers, far, bMembers); ok {
		t.Error("13-day start gap should not merge")
	}

	// Different destination.
	other := mkGroup(4, 23, 4, 20)
	other.DestinationID = 2
	if _, ok := o.MergeCandidate(a, aMembers, other, bMembers); ok {
		t.Error("cross-destination merge should be rejected")
	}

	// Combined size exceeds capacity.
	tight := mkGroup(5, 20, 4, 6)
	if _, ok := o.MergeCandidate(tight, aMembers, b, bMembers); ok {
		t.Error("merge over max size should be rejected")
	}
}

func TestMergeSurvivor(t *testing.T) {
	bigger := mkGroup(2, 20, 8, 20)
	smaller := mkGroup(1, 20, 4, 20)
	if s, _ := MergeSurvivor(smaller, bigger); s.ID != 2 {
		t.Errorf("survivor = %d, want larger group 2", s.ID)
	}
	if s, _ := MergeSurvivor(bigger, smaller); s.ID != 2 {
		t.Errorf("survivor = %d, want larger group 2", s.ID)
	}
	// Equal sizes keep the older group.
	a, b := mkGroup(1, 20, 4, 20), mkGroup(2, 20, 4, 20)
	if s, _ := MergeSurvivor(b, a); s.ID != 1 {
		t.Errorf("survivor = %d, want older group 1", s.ID)
	}
}
