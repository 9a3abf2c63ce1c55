package db

import (
	"database/sql"
	"fmt"
	"time"

	"travelkit/internal/engine"
)

const confirmationCols = `id, group_id, interest_id, token, confirmed, confirmed_at,
	expires_at, payment_status, payment_intent_id, payment_tx_id, amount_due,
	decline_reason, created_at`

func scanConfirmation(row interface{ Scan(...any) error }) (engine.MemberConfirmation, error) {
	var c engine.MemberConfirmation
	var confirmed sql.NullBool
	var confirmedAt *string
	var expiresAt, createdAt string
	err := row.Scan(
		&c.ID, &c.GroupID, &c.InterestID, &c.Token, &confirmed, &confirmedAt,
		&expiresAt, &c.PaymentStatus, &c.PaymentIntentID, &c.PaymentTxID,
		&c.AmountDue, &c.DeclineReason, &createdAt,
	)
	if err != nil {
		return c, err
	}
	if confirmed.Valid {
		v := confirmed.Bool
		c.Confirmed = &v
	}
	c.ConfirmedAt = parseTimePtr(confirmedAt)
	c.ExpiresAt = parseTime(expiresAt)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// CreateConfirmationTx inserts a member confirmation inside the
// caller's transaction and returns its id.
func CreateConfirmationTx(tx *sql.Tx, c engine.MemberConfirmation) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO member_confirmations
		  (group_id, interest_id, token, confirmed, confirmed_at, expires_at,
		   payment_status, payment_intent_id, payment_tx_id, amount_due,
		   decline_reason, created_at)
		VALUES (?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, ?)
	`, c.GroupID, c.InterestID, c.Token, fmtTime(c.ExpiresAt),
		c.PaymentStatus, c.PaymentIntentID, c.PaymentTxID, c.AmountDue,
		c.DeclineReason, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("create confirmation: %w", err)
	}
	return res.LastInsertId()
}

// GetConfirmationByToken resolves a confirmation link token.
func (d *DB) GetConfirmationByToken(token string) (engine.MemberConfirmation, error) {
	c, err := scanConfirmation(d.sql.QueryRow(
		`SELECT `+confirmationCols+` FROM member_confirmations WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("confirmation token: %w", ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get confirmation by token: %w", err)
	}
	return c, nil
}

// GetConfirmation returns a confirmation by id.
func (d *DB) GetConfirmation(id int64) (engine.MemberConfirmation, error) {
	c, err := scanConfirmation(d.sql.QueryRow(
		`SELECT `+confirmationCols+` FROM member_confirmations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("confirmation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get confirmation %d: %w", id, err)
	}
	return c, nil
}

// GroupConfirmations returns all confirmations belonging to a group.
func (d *DB) GroupConfirmations(groupID int64) ([]engine.MemberConfirmation, error) {
	rows, err := d.sql.Query(
		`SELECT `+confirmationCols+` FROM member_confirmations WHERE group_id = ? ORDER BY id`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("group confirmations: %w", err)
	}
	defer rows.Close()

	var out []engine.MemberConfirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordReplyTx stores a member's yes/no reply. The WHERE guard makes
// the write first-wins: a second reply (or a reply racing the reaper)
// changes no rows and returns false.
func RecordReplyTx(tx *sql.Tx, confirmationID int64, confirmed bool, reason string, now time.Time) (bool, error) {
	res, err := tx.Exec(`
		UPDATE member_confirmations
		   SET confirmed = ?, confirmed_at = ?, decline_reason = ?
		 WHERE id = ? AND confirmed IS NULL
	`, confirmed, fmtTime(now), reason, confirmationID)
	if err != nil {
		return false, fmt.Errorf("record reply %d: %w", confirmationID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetPaymentStateTx updates the payment fields of a confirmation.
func SetPaymentStateTx(tx *sql.Tx, confirmationID int64, status, intentID, txID string) error {
	_, err := tx.Exec(`
		UPDATE member_confirmations
		   SET payment_status = ?, payment_intent_id = ?, payment_tx_id = ?
		 WHERE id = ?
	`, status, intentID, txID, confirmationID)
	if err != nil {
		return fmt.Errorf("set payment state %d: %w", confirmationID, err)
	}
	return nil
}

// SetPaymentState updates payment fields in its own transaction.
func (d *DB) SetPaymentState(confirmationID int64, status, intentID, txID string) error {
	return d.WithTx(func(tx *sql.Tx) error {
		return SetPaymentStateTx(tx, confirmationID, status, intentID, txID)
	})
}

// ExpirePendingTx marks lapsed, unanswered confirmations of a group as
// declined by timeout. Returns how many rows it expired.
func ExpirePendingTx(tx *sql.Tx, groupID int64, now time.Time) (int, error) {
	res, err := tx.Exec(`
		UPDATE member_confirmations
		   SET confirmed = 0, confirmed_at = ?, decline_reason = 'expired'
		 WHERE group_id = ? AND confirmed IS NULL AND expires_at <= ?
	`, fmtTime(now), groupID, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ExpiredPendingGroups returns ids of non-terminal groups that still
// have unanswered confirmations past their expiry, for the reaper.
func (d *DB) ExpiredPendingGroups(now time.Time) ([]int64, error) {
	rows, err := d.sql.Query(`
		SELECT DISTINCT mc.group_id
		  FROM member_confirmations mc
		  JOIN groups g ON g.id = mc.group_id
		 WHERE mc.confirmed IS NULL AND mc.expires_at <= ?
		   AND g.status NOT IN ('confirmed', 'cancelled', 'merged')
	`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("expired pending groups: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
