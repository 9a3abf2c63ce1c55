package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"travelkit/internal/db"
	"travelkit/internal/engine"
	"travelkit/internal/logger"
	"travelkit/internal/notify"
	"travelkit/internal/payment"
)

// FinalizeGroup closes a group's confirmation window. With force set,
// unanswered confirmations are expired first; otherwise the group only
// finalizes once every member replied or the deadline passed.
func (s *Service) FinalizeGroup(ctx context.Context, groupID int64, force bool) (string, error) {
	unlock := s.lockGroup(groupID)
	defer unlock()
	return s.finalizeLocked(ctx, groupID, time.Now(), force)
}

// finalizeIfComplete is the early-finalize path from Reply; the group
// lock is already held.
func (s *Service) finalizeIfComplete(ctx context.Context, groupID int64, now time.Time) (bool, string) {
	status, err := s.finalizeLocked(ctx, groupID, now, false)
	if err != nil || status == "" {
		return false, ""
	}
	return true, status
}

// finalizeLocked evaluates the confirmation outcome. Returns the new
// group status, or "" when the window stays open.
func (s *Service) finalizeLocked(ctx context.Context, groupID int64, now time.Time, force bool) (string, error) {
	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return "", err
	}
	if g.Status != engine.GroupPendingConfirmation {
		return "", fmt.Errorf("group %d is %s: %w", groupID, g.Status, ErrWrongState)
	}

	confs, err := s.db.GroupConfirmations(groupID)
	if err != nil {
		return "", err
	}

	pending := 0
	for _, c := range confs {
		if c.Confirmed == nil {
			pending++
		}
	}
	confirmedMembers, confirmedPeople := s.tally(confs)
	rate := 0.0
	if len(confs) > 0 {
		rate = float64(confirmedMembers) / float64(len(confs))
	}
	minRate := g.MinimumConfirmationRate
	if minRate <= 0 {
		minRate = s.cfg.Workflow.MinimumConfirmationRate
	}

	// The window closes once everyone replied, the deadline passed, or
	// the caller forces it. A high enough confirmation rate lets an
	// auto-confirm group lock in early, members still pending.
	deadlinePassed := g.ConfirmationDeadline != nil && now.After(*g.ConfirmationDeadline)
	closing := force || deadlinePassed || pending == 0
	earlyConfirm := g.AutoConfirmEnabled && rate >= minRate

	if confirmedMembers >= g.MinSize && (closing || earlyConfirm) {
		if pending > 0 {
			if err := s.expirePending(ctx, g, expireCutoff(g, now)); err != nil {
				return "", err
			}
			confs, err = s.db.GroupConfirmations(groupID)
			if err != nil {
				return "", err
			}
			confirmedMembers, confirmedPeople = s.tally(confs)
		}
		if err := s.completeGroup(ctx, g, confs, confirmedMembers, confirmedPeople); err != nil {
			return "", err
		}
		return engine.GroupConfirmed, nil
	}

	if !closing {
		return "", nil // window still open, members still deciding
	}

	if pending > 0 {
		if err := s.expirePending(ctx, g, expireCutoff(g, now)); err != nil {
			return "", err
		}
	}
	reason := fmt.Sprintf("%d of %d members confirmed, need %d", confirmedMembers, len(confs), g.MinSize)
	g, err = s.db.GetGroup(groupID)
	if err != nil {
		return "", err
	}
	if err := s.cancelLocked(ctx, g, reason); err != nil {
		return "", err
	}
	return engine.GroupCancelled, nil
}

// expireCutoff covers every open confirmation of the group, including
// ones whose expiry is still ahead when the group finalizes early.
func expireCutoff(g engine.Group, now time.Time) time.Time {
	cutoff := now.Add(time.Second)
	if g.ConfirmationDeadline != nil && g.ConfirmationDeadline.After(cutoff) {
		cutoff = g.ConfirmationDeadline.Add(time.Second)
	}
	return cutoff
}

// tally counts confirmed members and the travelers they bring. An
// unpaid yes counts only when policy says so.
func (s *Service) tally(confs []engine.MemberConfirmation) (members, people int) {
	for _, c := range confs {
		if c.Confirmed == nil || !*c.Confirmed {
			continue
		}
		if !s.cfg.Workflow.CountUnpaidConfirmations && c.PaymentStatus != engine.PaymentPaid {
			continue
		}
		it, err := s.db.GetInterest(c.InterestID)
		if err != nil {
			continue
		}
		members++
		people += it.PartySize
	}
	return members, people
}

// expirePending declines unanswered confirmations up to the cutoff and
// releases their interests back to the pool.
func (s *Service) expirePending(ctx context.Context, g engine.Group, cutoff time.Time) error {
	confs, err := s.db.GroupConfirmations(g.ID)
	if err != nil {
		return err
	}
	return s.db.WithTx(func(tx *sql.Tx) error {
		if _, err := db.ExpirePendingTx(tx, g.ID, cutoff); err != nil {
			return err
		}
		for _, c := range confs {
			if c.Confirmed != nil {
				continue
			}
			var partySize int
			if err := tx.QueryRow(`SELECT party_size FROM interests WHERE id = ?`, c.InterestID).Scan(&partySize); err != nil {
				return err
			}
			if err := db.ReleaseInterestTx(tx, c.InterestID); err != nil {
				return err
			}
			g.CurrentSize -= partySize
		}
		if g.CurrentSize < 0 {
			g.CurrentSize = 0
		}
		return db.UpdateGroupTx(tx, g)
	})
}

// completeGroup confirms the trip: final size and price from the
// confirmed members only, their interests converted, the good news out.
// The discount tier follows the member count; current_size stays the
// traveler sum.
func (s *Service) completeGroup(ctx context.Context, g engine.Group, confs []engine.MemberConfirmation, confirmedMembers, confirmedPeople int) error {
	dest, err := s.db.GetDestination(g.DestinationID)
	if err != nil {
		return err
	}

	g.CurrentSize = confirmedPeople
	final, _, audit := s.pricer.Quote(g.BasePrice, dest.MaxDiscount, confirmedMembers, g.FinalPricePerPerson, "final")
	g.FinalPricePerPerson = final
	g.PriceCalc = append(g.PriceCalc, audit)
	g.Status = engine.GroupConfirmed

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := db.UpdateGroupTx(tx, g); err != nil {
			return err
		}
		for _, c := range confs {
			if c.Confirmed != nil && *c.Confirmed {
				if err := db.SetInterestStatusTx(tx, c.InterestID, engine.InterestConverted); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range confs {
		if c.Confirmed == nil || !*c.Confirmed {
			continue
		}
		member, err := s.db.GetInterest(c.InterestID)
		if err != nil {
			continue
		}
		s.notifier.Notify(ctx,
			notify.Key(g.ID, member.ID, notify.TemplateGroupConfirmed, "final"),
			member.UserEmail,
			notify.GroupConfirmed{
				UserName:    member.UserName,
				GroupName:   g.Name,
				Destination: dest.Name,
				DateFrom:    g.DateFrom,
				FinalPrice:  g.FinalPricePerPerson,
			})
	}
	logger.Success("FLOW", fmt.Sprintf("Group %d confirmed with %d travelers at %.2f",
		g.ID, confirmedPeople, g.FinalPricePerPerson))
	return nil
}

// CancelGroup cancels a non-terminal group: deposits refunded, members
// released back into the matching pool.
func (s *Service) CancelGroup(ctx context.Context, groupID int64, reason string) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return err
	}
	if g.Terminal() {
		return fmt.Errorf("group %d is %s: %w", groupID, g.Status, ErrWrongState)
	}
	return s.cancelLocked(ctx, g, reason)
}

func (s *Service) cancelLocked(ctx context.Context, g engine.Group, reason string) error {
	members, err := s.db.GroupMembers(g.ID)
	if err != nil {
		return err
	}
	confs, err := s.db.GroupConfirmations(g.ID)
	if err != nil {
		return err
	}
	now := time.Now()

	refunded := make(map[int64]bool)
	err = s.db.WithTx(func(tx *sql.Tx) error {
		g.Status = engine.GroupCancelled
		g.AdminNotes = appendNote(g.AdminNotes, "cancelled: "+reason)
		if err := db.UpdateGroupTx(tx, g); err != nil {
			return err
		}
		for _, c := range confs {
			if c.PaymentStatus == engine.PaymentPaid && c.PaymentTxID != "" {
				if err := db.EnqueueRefundTx(tx, c.ID, c.PaymentTxID, c.AmountDue, reason, now); err != nil {
					return err
				}
				refunded[c.InterestID] = true
			}
		}
		for _, m := range members {
			if err := db.ReleaseInterestTx(tx, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Members who never replied hear about the cancellation too; their
	// interest is already back in the pool.
	for _, m := range members {
		s.notifier.Notify(ctx,
			notify.Key(g.ID, m.ID, notify.TemplateGroupCancelled, "cancel"),
			m.UserEmail,
			notify.GroupCancelled{
				UserName:        m.UserName,
				GroupName:       g.Name,
				Reason:          reason,
				RefundInitiated: refunded[m.ID],
			})
	}
	logger.Warn("FLOW", fmt.Sprintf("Group %d cancelled: %s", g.ID, reason))
	return nil
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// GroupsAwaitingDeadline lists non-terminal groups with a confirmation
// deadline, for re-arming timers after a restart.
func (s *Service) GroupsAwaitingDeadline() ([]engine.Group, error) {
	return s.db.GroupsWithDeadlines()
}

// SweepDeadlines finalizes every pending group whose confirmation
// deadline has passed.
func (s *Service) SweepDeadlines(ctx context.Context, now time.Time) error {
	groups, err := s.db.GroupsByStatus(engine.GroupPendingConfirmation)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ConfirmationDeadline == nil || now.Before(*g.ConfirmationDeadline) {
			continue
		}
		if _, err := s.FinalizeGroup(ctx, g.ID, true); err != nil {
			logger.Error("FLOW", fmt.Sprintf("Finalize group %d: %v", g.ID, err))
		}
	}
	return nil
}

// SendReminders nudges members who have not replied once the deadline
// is close. The dispatcher's key dedupe makes repeat sweeps harmless.
func (s *Service) SendReminders(ctx context.Context, now time.Time, within time.Duration) error {
	groups, err := s.db.GroupsByStatus(engine.GroupPendingConfirmation)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ConfirmationDeadline == nil {
			continue
		}
		deadline := *g.ConfirmationDeadline
		if now.After(deadline) || deadline.Sub(now) > within {
			continue
		}
		confs, err := s.db.GroupConfirmations(g.ID)
		if err != nil {
			continue
		}
		for _, c := range confs {
			if c.Confirmed != nil {
				continue
			}
			member, err := s.db.GetInterest(c.InterestID)
			if err != nil {
				continue
			}
			s.notifier.Notify(ctx,
				notify.Key(g.ID, member.ID, notify.TemplateReminder, "deadline-near"),
				member.UserEmail,
				notify.Reminder{
					UserName:   member.UserName,
					GroupName:  g.Name,
					ConfirmURL: s.confirmURL(c.Token),
					Deadline:   deadline,
				})
		}
	}
	return nil
}

// ProcessRefunds works the refund queue: each due refund goes to the
// provider once; failures back off exponentially until the attempt cap
// parks them for manual follow-up.
func (s *Service) ProcessRefunds(ctx context.Context, now time.Time) error {
	due, err := s.db.DueRefunds(now)
	if err != nil {
		return err
	}
	for _, r := range due {
		key := payment.IdempotencyKey(r.ConfirmationID, fmt.Sprintf("refund-%d", r.ID))
		_, err := s.payments.Refund(ctx, key, r.TxID, r.Amount)
		if err != nil {
			attempts := r.Attempts + 1
			backoff := refundBackoff(attempts)
			logger.Warn("FLOW", fmt.Sprintf("Refund %d attempt %d failed: %v (next in %s)",
				r.ID, attempts, err, backoff))
			if dbErr := s.db.MarkRefundFailed(r.ID, attempts, now.Add(backoff), err.Error(),
				s.cfg.Workflow.RefundMaxAttempts); dbErr != nil {
				return dbErr
			}
			continue
		}
		if err := s.db.MarkRefundDone(r.ID); err != nil {
			return err
		}
		s.db.SetPaymentState(r.ConfirmationID, engine.PaymentRefunded, "", r.TxID)
		logger.Info("FLOW", fmt.Sprintf("Refund %d of %.2f done", r.ID, r.Amount))
	}
	return nil
}

// refundBackoff doubles from 15 minutes per attempt.
func refundBackoff(attempts int) time.Duration {
	d := 15 * time.Minute
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// FollowUpNudges re-engages members whose confirmation was declined or
// expired at least minAge ago.
func (s *Service) FollowUpNudges(ctx context.Context, now time.Time, minAge time.Duration) error {
	groups, err := s.db.GroupsByStatus(engine.GroupCancelled, engine.GroupConfirmed)
	if err != nil {
		return err
	}
	for _, g := range groups {
		confs, err := s.db.GroupConfirmations(g.ID)
		if err != nil {
			continue
		}
		dest, err := s.db.GetDestination(g.DestinationID)
		if err != nil {
			continue
		}
		for _, c := range confs {
			if c.Confirmed == nil || *c.Confirmed {
				continue
			}
			if c.ConfirmedAt == nil || now.Sub(*c.ConfirmedAt) < minAge {
				continue
			}
			member, err := s.db.GetInterest(c.InterestID)
			if err != nil || member.Status != engine.InterestOpen {
				continue
			}
			s.notifier.Notify(ctx,
				notify.Key(g.ID, member.ID, notify.TemplateFollowUpNudge, "48h"),
				member.UserEmail,
				notify.FollowUpNudge{
					UserName:    member.UserName,
					Destination: dest.Name,
				})
		}
	}
	return nil
}
