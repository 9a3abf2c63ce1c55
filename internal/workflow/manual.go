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

// Intake validates and stores a new travel interest.
func (s *Service) Intake(ctx context.Context, it engine.Interest) (int64, error) {
	if it.PartySize < 1 {
		return 0, fmt.Errorf("party_size must be at least 1")
	}
	if !it.DateTo.After(it.DateFrom) {
		return 0, fmt.Errorf("date_to must be after date_from")
	}
	if it.BudgetMax > 0 && it.BudgetMin > it.BudgetMax {
		return 0, fmt.Errorf("budget_min exceeds budget_max")
	}
	if _, err := s.db.GetDestination(it.DestinationID); err != nil {
		return 0, err
	}
	it.Status = engine.InterestOpen
	it.CreatedAt = time.Now()
	return s.db.CreateInterest(it)
}

// AddMember manually places an open interest into a forming group,
// bypassing the compatibility gate. Capacity still holds.
func (s *Service) AddMember(ctx context.Context, groupID, interestID int64) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return err
	}
	if g.Status != engine.GroupForming && g.Status != engine.GroupFull {
		return fmt.Errorf("group %d is %s: %w", groupID, g.Status, ErrWrongState)
	}
	it, err := s.db.GetInterest(interestID)
	if err != nil {
		return err
	}
	if it.Status != engine.InterestOpen || it.GroupID != 0 {
		return fmt.Errorf("interest %d is %s: %w", interestID, it.Status, ErrWrongState)
	}
	if g.CurrentSize+it.PartySize > g.MaxSize {
		return fmt.Errorf("group %d has no room for %d travelers: %w", groupID, it.PartySize, ErrWrongState)
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := db.AssignInterestTx(tx, interestID, groupID, engine.InterestMatched); err != nil {
			return err
		}
		g.CurrentSize += it.PartySize
		if g.CurrentSize >= g.MaxSize {
			g.Status = engine.GroupFull
		}
		return db.UpdateGroupTx(tx, g)
	})
	if err != nil {
		return err
	}
	s.repriceAfterChange(ctx, groupID)
	logger.Info("FLOW", fmt.Sprintf("Interest %d added to group %d by hand", interestID, groupID))
	return nil
}

// RemoveMember manually pulls a member out of a non-terminal group and
// returns their interest to the pool.
func (s *Service) RemoveMember(ctx context.Context, groupID, interestID int64) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return err
	}
	if g.Terminal() {
		return fmt.Errorf("group %d is %s: %w", groupID, g.Status, ErrWrongState)
	}
	it, err := s.db.GetInterest(interestID)
	if err != nil {
		return err
	}
	if it.GroupID != groupID {
		return fmt.Errorf("interest %d not in group %d: %w", interestID, groupID, ErrWrongState)
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := db.ReleaseInterestTx(tx, interestID); err != nil {
			return err
		}
		g.CurrentSize -= it.PartySize
		if g.CurrentSize < 0 {
			g.CurrentSize = 0
		}
		if g.Status == engine.GroupFull && g.CurrentSize < g.MaxSize {
			g.Status = engine.GroupForming
		}
		return db.UpdateGroupTx(tx, g)
	})
	if err != nil {
		return err
	}
	s.repriceAfterChange(ctx, groupID)
	logger.Info("FLOW", fmt.Sprintf("Interest %d removed from group %d by hand", interestID, groupID))
	return nil
}

// MemberStatus is one member's row in a formation report.
type MemberStatus struct {
	InterestID int64   `json:"interest_id"`
	UserName   string  `json:"user_name"`
	PartySize  int     `json:"party_size"`
	Replied    bool    `json:"replied"`
	Confirmed  bool    `json:"confirmed"`
	Payment    string  `json:"payment_status"`
	AmountDue  float64 `json:"amount_due"`
}

// FormationStatus is the full progress report for one group.
type FormationStatus struct {
	Group           engine.Group   `json:"group"`
	Destination     string         `json:"destination"`
	Members         []MemberStatus `json:"members"`
	ConfirmedPeople int            `json:"confirmed_people"`
	RepliedCount    int            `json:"replied_count"`
	PendingCount    int            `json:"pending_count"`
	ConfirmRate     float64        `json:"confirmation_rate"`
	Savings         float64        `json:"savings_per_person"`
}

// StatusReport assembles the formation progress of a group.
func (s *Service) StatusReport(ctx context.Context, groupID int64) (FormationStatus, error) {
	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return FormationStatus{}, err
	}
	dest, err := s.db.GetDestination(g.DestinationID)
	if err != nil {
		return FormationStatus{}, err
	}
	confs, err := s.db.GroupConfirmations(groupID)
	if err != nil {
		return FormationStatus{}, err
	}

	report := FormationStatus{
		Group:       g,
		Destination: dest.Name,
		Savings:     engine.Savings(g.BasePrice, g.FinalPricePerPerson),
	}

	if len(confs) == 0 {
		// Still forming: report raw membership.
		members, err := s.db.GroupMembers(groupID)
		if err != nil {
			return report, err
		}
		for _, m := range members {
			report.Members = append(report.Members, MemberStatus{
				InterestID: m.ID,
				UserName:   m.UserName,
				PartySize:  m.PartySize,
			})
			report.PendingCount++
		}
		return report, nil
	}

	for _, c := range confs {
		m, err := s.db.GetInterest(c.InterestID)
		if err != nil {
			continue
		}
		ms := MemberStatus{
			InterestID: m.ID,
			UserName:   m.UserName,
			PartySize:  m.PartySize,
			Replied:    c.Confirmed != nil,
			Confirmed:  c.Confirmed != nil && *c.Confirmed,
			Payment:    c.PaymentStatus,
			AmountDue:  c.AmountDue,
		}
		report.Members = append(report.Members, ms)
		if ms.Replied {
			report.RepliedCount++
		} else {
			report.PendingCount++
		}
		if ms.Confirmed {
			report.ConfirmedPeople += m.PartySize
		}
	}
	if len(confs) > 0 {
		confirmedMembers := 0
		for _, m := range report.Members {
			if m.Confirmed {
				confirmedMembers++
			}
		}
		report.ConfirmRate = float64(confirmedMembers) / float64(len(confs))
	}
	return report, nil
}

// DestinationStats summarizes demand and formation for one destination.
type DestinationStats struct {
	DestinationID int64          `json:"destination_id"`
	Interests     map[string]int `json:"interests_by_status"`
	Groups        map[string]int `json:"groups_by_status"`
}

// Stats collects interest and group counts for a destination.
func (s *Service) Stats(ctx context.Context, destinationID int64) (DestinationStats, error) {
	stats := DestinationStats{
		DestinationID: destinationID,
		Groups:        make(map[string]int),
	}
	counts, err := s.db.CountInterestsByStatus(destinationID)
	if err != nil {
		return stats, err
	}
	stats.Interests = counts

	groups, err := s.db.GroupsByStatus(
		engine.GroupForming, engine.GroupPendingConfirmation, engine.GroupConfirmed,
		engine.GroupFull, engine.GroupCancelled, engine.GroupMerged)
	if err != nil {
		return stats, err
	}
	for _, g := range groups {
		if g.DestinationID == destinationID {
			stats.Groups[g.Status]++
		}
	}
	return stats, nil
}
