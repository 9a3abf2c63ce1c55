package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"travelkit/internal/config"
	"travelkit/internal/db"
	"travelkit/internal/engine"
	"travelkit/internal/notify"
	"travelkit/internal/payment"
)

func newTestService(t *testing.T) (*Service, *db.DB, *payment.MockProvider) {
	t.Helper()
	database, err := db.OpenAt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.Default()
	mock := payment.NewMockProvider()
	gateway := payment.NewGateway(mock, "whsec_test")
	dispatcher := notify.NewDispatcher(1000, notify.LogSender{})

	return New(database, cfg, dispatcher, gateway, "https://travelkit.test"), database, mock
}

func seedCompatibleInterests(t *testing.T, database *db.DB, destID int64, n, partySize int, from time.Time) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		id, err := database.CreateInterest(engine.Interest{
			DestinationID: destID,
			PartySize:     partySize,
			DateFrom:      from,
			DateTo:        from.AddDate(0, 0, 7),
			BudgetMin:     500,
			BudgetMax:     1200,
			UserName:      "User",
			UserEmail:     "user@example.com",
		})
		if err != nil {
			t.Fatalf("CreateInterest: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func seedDest(t *testing.T, database *db.DB) int64 {
	t.Helper()
	id, err := database.CreateDestination(engine.Destination{
		Name: "Lisbon", Country: "PT", BasePrice: 900, MaxDiscount: 0.25, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateDestination: %v", err)
	}
	return id
}

func formGroup(t *testing.T, s *Service, database *db.DB, destID int64, memberCount int) int64 {
	t.Helper()
	now := time.Now()
	seedCompatibleInterests(t, database, destID, memberCount, 2, now.AddDate(0, 0, 20))
	res, err := s.ClusterDestination(context.Background(), destID, now)
	if err != nil {
		t.Fatalf("ClusterDestination: %v", err)
	}
	if res.GroupsCreated != 1 {
		t.Fatalf("GroupsCreated = %d, want 1", res.GroupsCreated)
	}
	return res.GroupIDs[0]
}

func TestClusterDestination_CreatesPricedGroup(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)

	groupID := formGroup(t, s, database, destID, 4)

	g, err := database.GetGroup(groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.Status != engine.GroupForming {
		t.Errorf("Status = %q, want forming", g.Status)
	}
	if g.CurrentSize != 8 {
		t.Errorf("CurrentSize = %d, want 8", g.CurrentSize)
	}
	// Four members in the 4+ tier: 5% off 900. The tier counts member
	// bookings, not the 8 travelers they bring.
	if g.FinalPricePerPerson != 855 {
		t.Errorf("FinalPricePerPerson = %v, want 855", g.FinalPricePerPerson)
	}
	if len(g.PriceCalc) != 1 {
		t.Errorf("PriceCalc entries = %d, want 1", len(g.PriceCalc))
	}

	members, _ := database.GroupMembers(groupID)
	for _, m := range members {
		if m.Status != engine.InterestMatched {
			t.Errorf("member %d status = %q, want matched", m.ID, m.Status)
		}
	}
}

func TestConfirmationHappyPath(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	if err := s.InitiateConfirmation(ctx, groupID); err != nil {
		t.Fatalf("InitiateConfirmation: %v", err)
	}
	g, _ := database.GetGroup(groupID)
	if g.Status != engine.GroupPendingConfirmation {
		t.Fatalf("Status = %q, want pending_confirmation", g.Status)
	}
	if g.ConfirmationDeadline == nil {
		t.Fatal("ConfirmationDeadline not set")
	}

	confs, _ := database.GroupConfirmations(groupID)
	if len(confs) != 4 {
		t.Fatalf("confirmations = %d, want 4", len(confs))
	}
	// Deposit is 30% of the per-person price times the party size.
	if confs[0].AmountDue != 513 {
		t.Errorf("AmountDue = %v, want 513", confs[0].AmountDue)
	}

	var last ReplyResult
	for _, c := range confs {
		res, err := s.Reply(ctx, c.Token, true, "")
		if err != nil {
			t.Fatalf("Reply: %v", err)
		}
		if !res.Paid {
			t.Errorf("confirmation %d not paid", c.ID)
		}
		last = res
	}
	if !last.Finalized || last.NewStatus != engine.GroupConfirmed {
		t.Fatalf("last reply = %+v, want finalized confirmed", last)
	}

	g, _ = database.GetGroup(groupID)
	if g.Status != engine.GroupConfirmed {
		t.Errorf("group status = %q, want confirmed", g.Status)
	}
	members, _ := database.GroupMembers(groupID)
	for _, m := range members {
		if m.Status != engine.InterestConverted {
			t.Errorf("member %d status = %q, want converted", m.ID, m.Status)
		}
	}
	confs, _ = database.GroupConfirmations(groupID)
	for _, c := range confs {
		if c.PaymentStatus != engine.PaymentPaid {
			t.Errorf("confirmation %d payment = %q, want paid", c.ID, c.PaymentStatus)
		}
	}
}

func TestReplyErrorPrecedence(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	if _, err := s.Reply(ctx, "no-such-token", true, ""); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("unknown token err = %v, want ErrTokenNotFound", err)
	}

	s.InitiateConfirmation(ctx, groupID)
	confs, _ := database.GroupConfirmations(groupID)

	first, err := s.Reply(ctx, confs[0].Token, true, "")
	if err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if first.PaymentIntentID == "" {
		t.Fatal("first reply missing payment intent")
	}

	// The duplicate carries the original intent and deposit so the
	// caller can reconcile instead of double-charging.
	dup, err := s.Reply(ctx, confs[0].Token, false, "changed mind")
	if !errors.Is(err, ErrAlreadyResponded) {
		t.Errorf("second reply err = %v, want ErrAlreadyResponded", err)
	}
	if !dup.Confirmed {
		t.Error("duplicate reply lost the original confirmed state")
	}
	if dup.PaymentIntentID != first.PaymentIntentID {
		t.Errorf("duplicate PaymentIntentID = %q, want %q", dup.PaymentIntentID, first.PaymentIntentID)
	}
	if dup.DepositAmount != first.DepositAmount {
		t.Errorf("duplicate DepositAmount = %v, want %v", dup.DepositAmount, first.DepositAmount)
	}
}

func TestPricingTierFollowsMemberCount(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)

	// Six bookings of two travelers each: twelve people, but the
	// discount tier is the 4+ one because six members joined.
	groupID := formGroup(t, s, database, destID, 6)

	g, err := database.GetGroup(groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.CurrentSize != 12 {
		t.Errorf("CurrentSize = %d, want 12", g.CurrentSize)
	}
	if g.FinalPricePerPerson != 855 {
		t.Errorf("FinalPricePerPerson = %v, want 855 (5%% off 900)", g.FinalPricePerPerson)
	}
}

func TestDeadlineConfirmsWithMinimumMet(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	now := time.Now()
	ctx := context.Background()

	seedCompatibleInterests(t, database, destID, 8, 1, now.AddDate(0, 0, 20))
	res, err := s.ClusterDestination(ctx, destID, now)
	if err != nil || res.GroupsCreated != 1 {
		t.Fatalf("ClusterDestination = %+v, %v", res, err)
	}
	groupID := res.GroupIDs[0]

	if err := s.InitiateConfirmation(ctx, groupID); err != nil {
		t.Fatalf("InitiateConfirmation: %v", err)
	}
	confs, _ := database.GroupConfirmations(groupID)

	// Four of eight say yes; the rest stay silent past the deadline.
	// Minimum size is met, so the group confirms rather than cancels.
	for _, c := range confs[:4] {
		if _, err := s.Reply(ctx, c.Token, true, ""); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}

	g, _ := database.GetGroup(groupID)
	past := now.Add(-time.Hour)
	g.ConfirmationDeadline = &past
	if err := database.UpdateGroup(g); err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}
	if err := s.SweepDeadlines(ctx, time.Now()); err != nil {
		t.Fatalf("SweepDeadlines: %v", err)
	}

	g, _ = database.GetGroup(groupID)
	if g.Status != engine.GroupConfirmed {
		t.Fatalf("Status = %q, want confirmed", g.Status)
	}
	if g.CurrentSize != 4 {
		t.Errorf("CurrentSize = %d, want 4 after pruning silent members", g.CurrentSize)
	}

	for _, c := range confs[:4] {
		it, _ := database.GetInterest(c.InterestID)
		if it.Status != engine.InterestConverted {
			t.Errorf("confirmed interest %d = %q, want converted", it.ID, it.Status)
		}
	}
	for _, c := range confs[4:] {
		it, _ := database.GetInterest(c.InterestID)
		if it.Status != engine.InterestOpen || it.GroupID != 0 {
			t.Errorf("silent interest %d = %q group %d, want back in open pool", it.ID, it.Status, it.GroupID)
		}
	}
}

func TestAutoConfirmLocksInEarly(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	now := time.Now()
	ctx := context.Background()

	seedCompatibleInterests(t, database, destID, 8, 1, now.AddDate(0, 0, 20))
	res, err := s.ClusterDestination(ctx, destID, now)
	if err != nil || res.GroupsCreated != 1 {
		t.Fatalf("ClusterDestination = %+v, %v", res, err)
	}
	groupID := res.GroupIDs[0]

	if err := s.InitiateConfirmation(ctx, groupID); err != nil {
		t.Fatalf("InitiateConfirmation: %v", err)
	}
	confs, _ := database.GroupConfirmations(groupID)

	// Six of eight hits the 75% rate, so auto-confirm closes the window
	// early even though two members never replied.
	var last ReplyResult
	for _, c := range confs[:6] {
		last, err = s.Reply(ctx, c.Token, true, "")
		if err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}
	if !last.Finalized || last.NewStatus != engine.GroupConfirmed {
		t.Fatalf("sixth reply = %+v, want finalized confirmed", last)
	}

	g, _ := database.GetGroup(groupID)
	if g.Status != engine.GroupConfirmed {
		t.Fatalf("Status = %q, want confirmed", g.Status)
	}
	if g.CurrentSize != 6 {
		t.Errorf("CurrentSize = %d, want 6", g.CurrentSize)
	}
	for _, c := range confs[6:] {
		it, _ := database.GetInterest(c.InterestID)
		if it.Status != engine.InterestOpen || it.GroupID != 0 {
			t.Errorf("pending interest %d = %q group %d, want released", it.ID, it.Status, it.GroupID)
		}
	}
}

func TestDeclineReleasesMember(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	s.InitiateConfirmation(ctx, groupID)
	confs, _ := database.GroupConfirmations(groupID)

	res, err := s.Reply(ctx, confs[0].Token, false, "found other plans")
	if err != nil {
		t.Fatalf("Reply decline: %v", err)
	}
	if res.Confirmed {
		t.Error("decline reported as confirmed")
	}

	it, _ := database.GetInterest(confs[0].InterestID)
	if it.Status != engine.InterestOpen || it.GroupID != 0 {
		t.Errorf("declined interest = %q group %d, want back in open pool", it.Status, it.GroupID)
	}
	g, _ := database.GetGroup(groupID)
	if g.CurrentSize != 6 {
		t.Errorf("CurrentSize = %d, want 6 after decline", g.CurrentSize)
	}
}

func TestSweepCancelsBelowThreshold(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	s.InitiateConfirmation(ctx, groupID)
	confs, _ := database.GroupConfirmations(groupID)

	// One yes out of four stays under the 75% bar.
	if _, err := s.Reply(ctx, confs[0].Token, true, ""); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	// Push the deadline into the past and sweep.
	g, _ := database.GetGroup(groupID)
	past := time.Now().Add(-time.Hour)
	g.ConfirmationDeadline = &past
	if err := database.UpdateGroup(g); err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}
	if err := s.SweepDeadlines(ctx, time.Now()); err != nil {
		t.Fatalf("SweepDeadlines: %v", err)
	}

	g, _ = database.GetGroup(groupID)
	if g.Status != engine.GroupCancelled {
		t.Fatalf("Status = %q, want cancelled", g.Status)
	}

	// The paid deposit must be queued for refund.
	due, _ := database.DueRefunds(time.Now().Add(time.Second))
	if len(due) != 1 {
		t.Fatalf("DueRefunds = %d, want 1", len(due))
	}

	// Everyone is released back into the pool.
	for _, c := range confs {
		it, _ := database.GetInterest(c.InterestID)
		if it.GroupID != 0 {
			t.Errorf("interest %d still bound to group %d", it.ID, it.GroupID)
		}
	}
}

func TestProcessRefundsRetriesWithBackoff(t *testing.T) {
	s, database, mock := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	s.InitiateConfirmation(ctx, groupID)
	confs, _ := database.GroupConfirmations(groupID)
	s.Reply(ctx, confs[0].Token, true, "")

	if err := s.CancelGroup(ctx, groupID, "operator cancelled"); err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}

	now := time.Now()
	mock.FailNext = 1
	if err := s.ProcessRefunds(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("ProcessRefunds: %v", err)
	}
	due, _ := database.DueRefunds(now.Add(time.Second))
	if len(due) != 0 {
		t.Fatalf("failed refund still due immediately, want backed off")
	}

	// After the backoff it retries and succeeds.
	due, _ = database.DueRefunds(now.Add(16 * time.Minute))
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("due after backoff = %+v, want 1 refund with 1 attempt", due)
	}
	if err := s.ProcessRefunds(ctx, now.Add(16*time.Minute)); err != nil {
		t.Fatalf("ProcessRefunds retry: %v", err)
	}
	c, _ := database.GetConfirmation(confs[0].ID)
	if c.PaymentStatus != engine.PaymentRefunded {
		t.Errorf("payment status = %q, want refunded", c.PaymentStatus)
	}
}

func TestOptimizeAdmitsAndMerges(t *testing.T) {
	s, database, _ := newTestService(t)
	// Auto-confirm off so forming groups stay forming during the pass.
	s.cfg.Workflow.AutoConfirmEnabled = false
	destID := seedDest(t, database)
	now := time.Now()
	ctx := context.Background()

	// Two small compatible groups (4 travelers each) three days apart.
	seedCompatibleInterests(t, database, destID, 4, 1, now.AddDate(0, 0, 20))
	r1, _ := s.ClusterDestination(ctx, destID, now)
	if r1.GroupsCreated != 1 {
		t.Fatalf("first cluster pass created %d groups", r1.GroupsCreated)
	}
	seedCompatibleInterests(t, database, destID, 4, 1, now.AddDate(0, 0, 23))
	r2, _ := s.ClusterDestination(ctx, destID, now)
	if r2.GroupsCreated != 1 {
		t.Fatalf("second cluster pass created %d groups", r2.GroupsCreated)
	}

	res, err := s.OptimizeGroups(ctx, now)
	if err != nil {
		t.Fatalf("OptimizeGroups: %v", err)
	}
	if res.GroupsMerged != 1 {
		t.Fatalf("GroupsMerged = %d, want 1", res.GroupsMerged)
	}

	merged, _ := database.GroupsByStatus(engine.GroupMerged)
	if len(merged) != 1 {
		t.Fatalf("merged groups = %d, want 1", len(merged))
	}
	survivors, _ := database.GroupsByStatus(engine.GroupForming)
	if len(survivors) != 1 {
		t.Fatalf("forming groups = %d, want 1 survivor", len(survivors))
	}
	if survivors[0].CurrentSize != 8 {
		t.Errorf("survivor size = %d, want 8", survivors[0].CurrentSize)
	}
	members, _ := database.GroupMembers(survivors[0].ID)
	if len(members) != 8 {
		t.Errorf("survivor members = %d, want 8", len(members))
	}
}

func TestManualAddRemove(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	extra := seedCompatibleInterests(t, database, destID, 1, 2, time.Now().AddDate(0, 0, 20))[0]
	if err := s.AddMember(ctx, groupID, extra); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	g, _ := database.GetGroup(groupID)
	if g.CurrentSize != 10 {
		t.Errorf("CurrentSize = %d, want 10", g.CurrentSize)
	}

	if err := s.RemoveMember(ctx, groupID, extra); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	g, _ = database.GetGroup(groupID)
	if g.CurrentSize != 8 {
		t.Errorf("CurrentSize = %d, want 8 after removal", g.CurrentSize)
	}
	it, _ := database.GetInterest(extra)
	if it.Status != engine.InterestOpen {
		t.Errorf("removed interest status = %q, want open", it.Status)
	}
}

func TestStatusReport(t *testing.T) {
	s, database, _ := newTestService(t)
	destID := seedDest(t, database)
	groupID := formGroup(t, s, database, destID, 4)
	ctx := context.Background()

	s.InitiateConfirmation(ctx, groupID)
	confs, _ := database.GroupConfirmations(groupID)
	s.Reply(ctx, confs[0].Token, true, "")
	s.Reply(ctx, confs[1].Token, false, "busy")

	report, err := s.StatusReport(ctx, groupID)
	if err != nil {
		t.Fatalf("StatusReport: %v", err)
	}
	if report.RepliedCount != 2 || report.PendingCount != 2 {
		t.Errorf("replied/pending = %d/%d, want 2/2", report.RepliedCount, report.PendingCount)
	}
	if report.ConfirmedPeople != 2 {
		t.Errorf("ConfirmedPeople = %d, want 2", report.ConfirmedPeople)
	}
	if report.ConfirmRate != 0.25 {
		t.Errorf("ConfirmRate = %v, want 0.25", report.ConfirmRate)
	}
	if report.Destination != "Lisbon" {
		t.Errorf("Destination = %q, want Lisbon", report.Destination)
	}
}
