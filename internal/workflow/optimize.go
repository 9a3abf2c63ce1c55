package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"travelkit/internal/db"
	"travelkit/internal/engine"
	"travelkit/internal/logger"
)

// OptimizeResult summarizes one optimizer pass.
type OptimizeResult struct {
	GroupsScanned  int `json:"groups_scanned"`
	MembersAdded   int `json:"members_added"`
	GroupsMerged   int `json:"groups_merged"`
	GroupsPromoted int `json:"groups_promoted"`
}

// OptimizeGroups runs one optimizer pass over forming groups: fill
// them from the open pool, merge small compatible ones, and push full
// or auto-confirm-ready groups into their confirmation window. A group
// takes part in at most one merge per pass.
func (s *Service) OptimizeGroups(ctx context.Context, now time.Time) (OptimizeResult, error) {
	var res OptimizeResult

	groups, err := s.db.GroupsByStatus(engine.GroupForming)
	if err != nil {
		return res, err
	}
	res.GroupsScanned = len(groups)

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, err := s.admitInto(ctx, g.ID, now)
		if err != nil {
			logger.Error("OPT", fmt.Sprintf("Admissions for group %d: %v", g.ID, err))
			continue
		}
		res.MembersAdded += added
	}

	merged, err := s.mergePass(ctx)
	if err != nil {
		return res, err
	}
	res.GroupsMerged = merged

	promoted, err := s.promotePass(ctx)
	if err != nil {
		return res, err
	}
	res.GroupsPromoted = promoted
	return res, nil
}

// admitInto fills one forming group from the open pool.
func (s *Service) admitInto(ctx context.Context, groupID int64, now time.Time) (int, error) {
	unlock := s.lockGroup(groupID)
	defer unlock()

	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return 0, err
	}
	if g.Status != engine.GroupForming {
		return 0, nil
	}
	members, err := s.db.GroupMembers(groupID)
	if err != nil {
		return 0, err
	}
	from, to := s.optimize.AdmitWindow(g)
	open, err := s.db.OpenInterests(g.DestinationID, from, to)
	if err != nil {
		return 0, err
	}
	admitted := s.optimize.SelectAdmissions(g, members, open)
	if len(admitted) == 0 {
		return 0, nil
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		for _, m := range admitted {
			if err := db.AssignInterestTx(tx, m.ID, groupID, engine.InterestMatched); err != nil {
				return err
			}
			g.CurrentSize += m.PartySize
		}
		if g.CurrentSize >= g.MaxSize {
			g.Status = engine.GroupFull
		}
		return db.UpdateGroupTx(tx, g)
	})
	if err != nil {
		return 0, err
	}

	s.repriceAfterChange(ctx, groupID)
	logger.Info("OPT", fmt.Sprintf("Group %d admitted %d interests (size %d)", groupID, len(admitted), g.CurrentSize))
	return len(admitted), nil
}

// mergePass combines small compatible groups. Greedy over pairs,
// best-score first behavior is approximated by scanning in id order
// and consuming each group at most once.
func (s *Service) mergePass(ctx context.Context) (int, error) {
	groups, err := s.db.GroupsByStatus(engine.GroupForming)
	if err != nil {
		return 0, err
	}

	memberCache := make(map[int64][]engine.Interest, len(groups))
	membersOf := func(id int64) []engine.Interest {
		if m, ok := memberCache[id]; ok {
			return m
		}
		m, err := s.db.GroupMembers(id)
		if err != nil {
			return nil
		}
		memberCache[id] = m
		return m
	}

	merged := 0
	consumed := make(map[int64]bool)
	for i := 0; i < len(groups); i++ {
		a := groups[i]
		if consumed[a.ID] || !s.optimize.SmallGroup(a) {
			continue
		}
		bestJ, bestScore := -1, 0.0
		for j := i + 1; j < len(groups); j++ {
			b := groups[j]
			if consumed[b.ID] || !s.optimize.SmallGroup(b) {
				continue
			}
			score, ok := s.optimize.MergeCandidate(a, membersOf(a.ID), b, membersOf(b.ID))
			if ok && score > bestScore {
				bestJ, bestScore = j, score
			}
		}
		if bestJ < 0 {
			continue
		}
		b := groups[bestJ]
		if err := s.mergeGroups(ctx, a, b); err != nil {
			logger.Error("OPT", fmt.Sprintf("Merge %d + %d: %v", a.ID, b.ID, err))
			continue
		}
		consumed[a.ID] = true
		consumed[b.ID] = true
		merged++
	}
	return merged, nil
}

// mergeGroups moves the smaller group's members into the larger one
// and widens its date envelope to cover both.
func (s *Service) mergeGroups(ctx context.Context, a, b engine.Group) error {
	survivor, absorbed := engine.MergeSurvivor(a, b)

	// Lock in id order so concurrent merges cannot deadlock.
	first, second := survivor.ID, absorbed.ID
	if second < first {
		first, second = second, first
	}
	unlockA := s.lockGroup(first)
	defer unlockA()
	unlockB := s.lockGroup(second)
	defer unlockB()

	// Re-read under the locks.
	survivor, err := s.db.GetGroup(survivor.ID)
	if err != nil {
		return err
	}
	absorbed, err = s.db.GetGroup(absorbed.ID)
	if err != nil {
		return err
	}
	if survivor.Status != engine.GroupForming || absorbed.Status != engine.GroupForming {
		return nil
	}
	moving, err := s.db.GroupMembers(absorbed.ID)
	if err != nil {
		return err
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		for _, m := range moving {
			if err := db.AssignInterestTx(tx, m.ID, survivor.ID, engine.InterestMatched); err != nil {
				return err
			}
			survivor.CurrentSize += m.PartySize
		}
		if absorbed.DateFrom.Before(survivor.DateFrom) {
			survivor.DateFrom = absorbed.DateFrom
		}
		if absorbed.DateTo.After(survivor.DateTo) {
			survivor.DateTo = absorbed.DateTo
		}
		if survivor.CurrentSize >= survivor.MaxSize {
			survivor.Status = engine.GroupFull
		}
		if err := db.UpdateGroupTx(tx, survivor); err != nil {
			return err
		}
		absorbed.Status = engine.GroupMerged
		absorbed.AdminNotes = appendNote(absorbed.AdminNotes,
			fmt.Sprintf("merged into group %d", survivor.ID))
		return db.UpdateGroupTx(tx, absorbed)
	})
	if err != nil {
		return err
	}

	s.repriceAfterChange(ctx, survivor.ID)
	logger.Info("OPT", fmt.Sprintf("Merged group %d into %d (size %d)",
		absorbed.ID, survivor.ID, survivor.CurrentSize))
	return nil
}

// promotePass starts the confirmation window for groups that are full,
// or viable with auto-confirm on.
func (s *Service) promotePass(ctx context.Context) (int, error) {
	groups, err := s.db.GroupsByStatus(engine.GroupForming, engine.GroupFull)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, g := range groups {
		ready := g.Status == engine.GroupFull ||
			(g.AutoConfirmEnabled && g.CurrentSize >= g.MinSize)
		if !ready {
			continue
		}
		if err := s.InitiateConfirmation(ctx, g.ID); err != nil {
			logger.Error("OPT", fmt.Sprintf("Initiate confirmation for group %d: %v", g.ID, err))
			continue
		}
		promoted++
	}
	return promoted, nil
}
