package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Refund queue statuses.
const (
	RefundPending   = "pending"
	RefundDone      = "done"
	RefundExhausted = "exhausted"
)

// Refund is a queued refund attempt for a paid deposit.
type Refund struct {
	ID             int64     `json:"id"`
	ConfirmationID int64     `json:"confirmation_id"`
	TxID           string    `json:"tx_id"`
	Amount         float64   `json:"amount"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnqueueRefundTx queues a refund for the given paid confirmation,
// due immediately.
func EnqueueRefundTx(tx *sql.Tx, confirmationID int64, txID string, amount float64, reason string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO refund_queue
		  (confirmation_id, tx_id, amount, reason, attempts, next_attempt_at, status, last_error, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, '', ?)
	`, confirmationID, txID, amount, reason, fmtTime(now), RefundPending, fmtTime(now))
	if err != nil {
		return fmt.Errorf("enqueue refund: %w", err)
	}
	return nil
}

// DueRefunds returns pending refunds whose next attempt time has
// passed, oldest first.
func (d *DB) DueRefunds(now time.Time) ([]Refund, error) {
	rows, err := d.sql.Query(`
		SELECT id, confirmation_id, tx_id, amount, reason, attempts, next_attempt_at, status, last_error, created_at
		  FROM refund_queue
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, id
	`, RefundPending, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("due refunds: %w", err)
	}
	defer rows.Close()

	var refunds []Refund
	for rows.Next() {
		var r Refund
		var nextAt, createdAt string
		if err := rows.Scan(&r.ID, &r.ConfirmationID, &r.TxID, &r.Amount, &r.Reason,
			&r.Attempts, &nextAt, &r.Status, &r.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.NextAttemptAt = parseTime(nextAt)
		r.CreatedAt = parseTime(createdAt)
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

// MarkRefundDone records a successful refund.
func (d *DB) MarkRefundDone(id int64) error {
	_, err := d.sql.Exec(`UPDATE refund_queue SET status = ? WHERE id = ?`, RefundDone, id)
	if err != nil {
		return fmt.Errorf("mark refund done: %w", err)
	}
	return nil
}

// MarkRefundFailed records a failed attempt. The refund stays pending
// with a later next_attempt_at until attempts reach maxAttempts, then
// it is parked as exhausted for manual follow-up.
func (d *DB) MarkRefundFailed(id int64, attempts int, nextAt time.Time, lastErr string, maxAttempts int) error {
	status := RefundPending
	if attempts >= maxAttempts {
		status = RefundExhausted
	}
	_, err := d.sql.Exec(`
		UPDATE refund_queue
		   SET attempts = ?, next_attempt_at = ?, status = ?, last_error = ?
		 WHERE id = ?
	`, attempts, fmtTime(nextAt), status, lastErr, id)
	if err != nil {
		return fmt.Errorf("mark refund failed: %w", err)
	}
	return nil
}
