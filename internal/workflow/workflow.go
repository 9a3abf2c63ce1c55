package workflow

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"travelkit/internal/config"
	"travelkit/internal/db"
	"travelkit/internal/engine"
	"travelkit/internal/logger"
	"travelkit/internal/notify"
	"travelkit/internal/payment"
)

// Reply outcomes surfaced to the API layer.
var (
	ErrTokenNotFound    = errors.New("confirmation token not found")
	ErrAlreadyResponded = errors.New("confirmation already responded")
	ErrWindowClosed     = errors.New("confirmation window closed")
	ErrWrongState       = errors.New("group not in a state for this operation")
)

// Service drives the group formation state machine. All transitions of
// one group run under that group's lock, so a member reply racing the
// deadline sweep serializes instead of corrupting counts.
type Service struct {
	db       *db.DB
	cfg      *config.Config
	pricer   *engine.Pricer
	scorer   *engine.Scorer
	cluster  *engine.Clusterer
	optimize *engine.Optimizer
	notifier *notify.Dispatcher
	payments *payment.Gateway

	// BaseURL prefixes confirmation links in outgoing notifications.
	BaseURL string

	// armTimers is installed by the scheduler so every initiation arms
	// its deadline timers, whichever path started it.
	armTimers func(groupID int64, deadline time.Time)

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// SetTimerHook registers the callback invoked with the group id and
// deadline whenever a confirmation window opens.
func (s *Service) SetTimerHook(fn func(groupID int64, deadline time.Time)) {
	s.armTimers = fn
}

// New creates a Service.
func New(database *db.DB, cfg *config.Config, notifier *notify.Dispatcher, payments *payment.Gateway, baseURL string) *Service {
	scorer := engine.NewScorer(cfg.Compat)
	return &Service{
		db:       database,
		cfg:      cfg,
		pricer:   engine.NewPricer(cfg.Pricing),
		scorer:   scorer,
		cluster:  engine.NewClusterer(cfg.Clustering, scorer),
		optimize: engine.NewOptimizer(cfg.Optimizer, scorer),
		notifier: notifier,
		payments: payments,
		BaseURL:  baseURL,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// lockGroup takes the per-group mutex.
func (s *Service) lockGroup(groupID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[groupID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// newToken returns a 256-bit URL-safe confirmation token.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// InitiateConfirmation moves a forming group into its confirmation
// window: deadline set, one tokenized confirmation per member, request
// notifications out.
func (s *Service) InitiateConfirmation(ctx context.Context, groupID int64) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return err
	}
	if g.Status != engine.GroupForming && g.Status != engine.GroupFull {
		return fmt.Errorf("group %d is %s: %w", groupID, g.Status, ErrWrongState)
	}
	members, err := s.db.GroupMembers(groupID)
	if err != nil {
		return err
	}
	dest, err := s.db.GetDestination(g.DestinationID)
	if err != nil {
		return err
	}

	now := time.Now()
	deadline := now.AddDate(0, 0, s.cfg.Workflow.ConfirmationWindowDays)

	type outgoing struct {
		member engine.Interest
		token  string
	}
	var sends []outgoing

	err = s.db.WithTx(func(tx *sql.Tx) error {
		g.Status = engine.GroupPendingConfirmation
		g.ConfirmationDeadline = &deadline
		if err := db.UpdateGroupTx(tx, g); err != nil {
			return err
		}
		for _, m := range members {
			token, err := newToken()
			if err != nil {
				return err
			}
			amount := round2(s.cfg.Workflow.DepositFraction * g.FinalPricePerPerson * float64(m.PartySize))
			if _, err := db.CreateConfirmationTx(tx, engine.MemberConfirmation{
				GroupID:       groupID,
				InterestID:    m.ID,
				Token:         token,
				ExpiresAt:     deadline,
				PaymentStatus: engine.PaymentNone,
				AmountDue:     amount,
			}); err != nil {
				return err
			}
			sends = append(sends, outgoing{m, token})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, out := range sends {
		s.notifier.Notify(ctx,
			notify.Key(groupID, out.member.ID, notify.TemplateConfirmationRequest, "initiate"),
			out.member.UserEmail,
			notify.ConfirmationRequest{
				UserName:    out.member.UserName,
				GroupName:   g.Name,
				Destination: dest.Name,
				DateFrom:    g.DateFrom,
				DateTo:      g.DateTo,
				Price:       g.FinalPricePerPerson,
				Deposit:     round2(s.cfg.Workflow.DepositFraction * g.FinalPricePerPerson),
				ConfirmURL:  s.confirmURL(out.token),
				Deadline:    deadline,
			})
	}
	if s.armTimers != nil {
		s.armTimers(groupID, deadline)
	}
	logger.Info("FLOW", fmt.Sprintf("Group %d entered confirmation window (deadline %s, %d members)",
		groupID, deadline.Format(time.RFC3339), len(sends)))
	return nil
}

func (s *Service) confirmURL(token string) string {
	return fmt.Sprintf("%s/confirm/%s", s.BaseURL, token)
}

// ReplyResult reports what a member's reply did. On a duplicate reply
// it carries the original payment intent so the caller sees what was
// already charged instead of charging again.
type ReplyResult struct {
	GroupID         int64   `json:"group_id"`
	Confirmed       bool    `json:"confirmed"`
	Paid            bool    `json:"paid"`
	PaymentIntentID string  `json:"payment_intent_id,omitempty"`
	DepositAmount   float64 `json:"deposit_amount,omitempty"`
	Finalized       bool    `json:"finalized"`
	NewStatus       string  `json:"group_status,omitempty"`
}

// Reply processes a yes/no on a confirmation token. Error precedence:
// unknown token, then already-responded, then closed window. A yes
// charges the deposit; when every member has replied the group
// finalizes immediately instead of waiting for the deadline.
func (s *Service) Reply(ctx context.Context, token string, confirmed bool, reason string) (ReplyResult, error) {
	c, err := s.db.GetConfirmationByToken(token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ReplyResult{}, ErrTokenNotFound
		}
		return ReplyResult{}, err
	}

	unlock := s.lockGroup(c.GroupID)
	defer unlock()

	// Re-read under the lock: the reaper may have expired it meanwhile.
	c, err = s.db.GetConfirmation(c.ID)
	if err != nil {
		return ReplyResult{}, err
	}
	if c.Confirmed != nil {
		return ReplyResult{
			GroupID:         c.GroupID,
			Confirmed:       *c.Confirmed,
			Paid:            c.PaymentStatus == engine.PaymentPaid,
			PaymentIntentID: c.PaymentIntentID,
			DepositAmount:   c.AmountDue,
		}, ErrAlreadyResponded
	}
	now := time.Now()
	if now.After(c.ExpiresAt) {
		return ReplyResult{GroupID: c.GroupID}, ErrWindowClosed
	}
	g, err := s.db.GetGroup(c.GroupID)
	if err != nil {
		return ReplyResult{}, err
	}
	if g.Status != engine.GroupPendingConfirmation {
		return ReplyResult{GroupID: c.GroupID}, ErrWindowClosed
	}

	res := ReplyResult{GroupID: c.GroupID, Confirmed: confirmed}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		won, err := db.RecordReplyTx(tx, c.ID, confirmed, reason, now)
		if err != nil {
			return err
		}
		if !won {
			return ErrAlreadyResponded
		}
		if confirmed {
			return db.SetInterestStatusTx(tx, c.InterestID, engine.InterestConfirmed)
		}
		return s.declineMemberTx(tx, g, c)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyResponded) {
			// Lost the write race; report what the winning reply did.
			if cur, rerr := s.db.GetConfirmation(c.ID); rerr == nil {
				res.Confirmed = cur.Confirmed != nil && *cur.Confirmed
				res.Paid = cur.PaymentStatus == engine.PaymentPaid
				res.PaymentIntentID = cur.PaymentIntentID
				res.DepositAmount = cur.AmountDue
			}
		}
		return res, err
	}

	if confirmed {
		res.DepositAmount = c.AmountDue
		res.PaymentIntentID, res.Paid = s.chargeDeposit(ctx, c)
	} else {
		s.repriceAfterChange(ctx, c.GroupID)
	}

	if done, status := s.finalizeIfComplete(ctx, c.GroupID, now); done {
		res.Finalized = true
		res.NewStatus = status
	}
	return res, nil
}

// declineMemberTx releases a declining member back to the open pool
// and shrinks the group.
func (s *Service) declineMemberTx(tx *sql.Tx, g engine.Group, c engine.MemberConfirmation) error {
	var partySize int
	if err := tx.QueryRow(`SELECT party_size FROM interests WHERE id = ?`, c.InterestID).Scan(&partySize); err != nil {
		return err
	}
	if err := db.ReleaseInterestTx(tx, c.InterestID); err != nil {
		return err
	}
	g.CurrentSize -= partySize
	if g.CurrentSize < 0 {
		g.CurrentSize = 0
	}
	return db.UpdateGroupTx(tx, g)
}

// chargeDeposit runs the deposit charge for a confirmed member and
// returns the intent id with whether the capture went through. Payment
// failure does not undo the confirmation: the member said yes, and
// whether an unpaid yes counts toward the threshold is a policy knob.
func (s *Service) chargeDeposit(ctx context.Context, c engine.MemberConfirmation) (string, bool) {
	if c.AmountDue <= 0 {
		return "", true
	}
	key := payment.IdempotencyKey(c.ID, "deposit")
	intent, err := s.payments.CreateIntent(ctx, key, c.AmountDue)
	if err != nil {
		logger.Warn("FLOW", fmt.Sprintf("Deposit intent for confirmation %d failed: %v", c.ID, err))
		s.db.SetPaymentState(c.ID, engine.PaymentFailed, "", "")
		return "", false
	}
	txID, err := s.payments.CaptureIntent(ctx, intent.ID)
	if err != nil {
		logger.Warn("FLOW", fmt.Sprintf("Deposit capture for confirmation %d failed: %v", c.ID, err))
		s.db.SetPaymentState(c.ID, engine.PaymentFailed, intent.ID, "")
		return intent.ID, false
	}
	s.db.SetPaymentState(c.ID, engine.PaymentPaid, intent.ID, txID)
	return intent.ID, true
}

// repriceAfterChange recomputes the group price after membership moved
// and notifies waiting members when the price improved.
func (s *Service) repriceAfterChange(ctx context.Context, groupID int64) {
	g, err := s.db.GetGroup(groupID)
	if err != nil || g.Terminal() {
		return
	}
	dest, err := s.db.GetDestination(g.DestinationID)
	if err != nil {
		return
	}
	members, err := s.db.GroupMembers(groupID)
	if err != nil {
		return
	}
	oldPrice := g.FinalPricePerPerson
	final, _, audit := s.pricer.Quote(g.BasePrice, dest.MaxDiscount, len(members), oldPrice, "membership change")
	if final == oldPrice {
		return
	}
	g.FinalPricePerPerson = final
	g.PriceCalc = append(g.PriceCalc, audit)
	if err := s.db.UpdateGroup(g); err != nil {
		logger.Error("FLOW", fmt.Sprintf("Reprice group %d: %v", groupID, err))
		return
	}
	if final < oldPrice {
		s.notifyPriceDrop(ctx, g, oldPrice, final)
	}
}

func (s *Service) notifyPriceDrop(ctx context.Context, g engine.Group, oldPrice, newPrice float64) {
	confs, err := s.db.GroupConfirmations(g.ID)
	if err != nil {
		return
	}
	occasion := fmt.Sprintf("price-%.2f", newPrice)
	for _, c := range confs {
		if c.Confirmed != nil && !*c.Confirmed {
			continue
		}
		member, err := s.db.GetInterest(c.InterestID)
		if err != nil {
			continue
		}
		s.notifier.Notify(ctx,
			notify.Key(g.ID, member.ID, notify.TemplatePricingUpdate, occasion),
			member.UserEmail,
			notify.PricingUpdate{
				UserName:  member.UserName,
				GroupName: g.Name,
				OldPrice:  oldPrice,
				NewPrice:  newPrice,
			})
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
