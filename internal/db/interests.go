package db

import (
	"database/sql"
	"fmt"
	"time"

	"travelkit/internal/engine"
)

const interestCols = `id, destination_id, party_size, date_from, date_to,
	budget_min, budget_max, user_name, user_email, user_phone, status, group_id, created_at`

func scanInterest(row interface{ Scan(...any) error }) (engine.Interest, error) {
	var it engine.Interest
	var dateFrom, dateTo, createdAt string
	var groupID sql.NullInt64
	err := row.Scan(
		&it.ID, &it.DestinationID, &it.PartySize, &dateFrom, &dateTo,
		&it.BudgetMin, &it.BudgetMax, &it.UserName, &it.UserEmail, &it.UserPhone,
		&it.Status, &groupID, &createdAt,
	)
	if err != nil {
		return it, err
	}
	it.DateFrom = parseTime(dateFrom)
	it.DateTo = parseTime(dateTo)
	it.CreatedAt = parseTime(createdAt)
	if groupID.Valid {
		it.GroupID = groupID.Int64
	}
	return it, nil
}

// CreateInterest inserts an open interest and returns its id.
func (d *DB) CreateInterest(it engine.Interest) (int64, error) {
	if it.Status == "" {
		it.Status = engine.InterestOpen
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	res, err := d.sql.Exec(`
		INSERT INTO interests
		  (destination_id, party_size, date_from, date_to, budget_min, budget_max,
		   user_name, user_email, user_phone, status, group_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`, it.DestinationID, it.PartySize, fmtTime(it.DateFrom), fmtTime(it.DateTo),
		it.BudgetMin, it.BudgetMax, it.UserName, it.UserEmail, it.UserPhone,
		it.Status, fmtTime(it.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("create interest: %w", err)
	}
	return res.LastInsertId()
}

// GetInterest returns an interest by id.
func (d *DB) GetInterest(id int64) (engine.Interest, error) {
	it, err := scanInterest(d.sql.QueryRow(
		`SELECT `+interestCols+` FROM interests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return it, fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return it, fmt.Errorf("get interest %d: %w", id, err)
	}
	return it, nil
}

// OpenInterests returns open, unassigned interests for one destination
// whose trip start falls in [from, to), oldest first.
func (d *DB) OpenInterests(destinationID int64, from, to time.Time) ([]engine.Interest, error) {
	rows, err := d.sql.Query(`
		SELECT `+interestCols+`
		  FROM interests
		 WHERE destination_id = ? AND status = ? AND group_id IS NULL
		   AND date_from >= ? AND date_from < ?
		 ORDER BY created_at, id
	`, destinationID, engine.InterestOpen, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("open interests: %w", err)
	}
	defer rows.Close()
	return collectInterests(rows)
}

// GroupMembers returns the interests currently assigned to a group.
func (d *DB) GroupMembers(groupID int64) ([]engine.Interest, error) {
	rows, err := d.sql.Query(`
		SELECT `+interestCols+`
		  FROM interests
		 WHERE group_id = ?
		 ORDER BY created_at, id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()
	return collectInterests(rows)
}

func collectInterests(rows *sql.Rows) ([]engine.Interest, error) {
	var out []engine.Interest
	for rows.Next() {
		it, err := scanInterest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interest: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// AssignInterestTx binds an interest to a group and sets its status,
// inside the caller's transaction.
func AssignInterestTx(tx *sql.Tx, interestID, groupID int64, status string) error {
	_, err := tx.Exec(
		`UPDATE interests SET group_id = ?, status = ? WHERE id = ?`,
		groupID, status, interestID)
	if err != nil {
		return fmt.Errorf("assign interest %d: %w", interestID, err)
	}
	return nil
}

// ReleaseInterestTx returns an interest to the open pool.
func ReleaseInterestTx(tx *sql.Tx, interestID int64) error {
	_, err := tx.Exec(
		`UPDATE interests SET group_id = NULL, status = ? WHERE id = ?`,
		engine.InterestOpen, interestID)
	if err != nil {
		return fmt.Errorf("release interest %d: %w", interestID, err)
	}
	return nil
}

// SetInterestStatusTx updates only the lifecycle status.
func SetInterestStatusTx(tx *sql.Tx, interestID int64, status string) error {
	_, err := tx.Exec(`UPDATE interests SET status = ? WHERE id = ?`, status, interestID)
	if err != nil {
		return fmt.Errorf("set interest %d status: %w", interestID, err)
	}
	return nil
}

// CountInterestsByStatus returns status -> count for one destination,
// for the stats endpoint.
func (d *DB) CountInterestsByStatus(destinationID int64) (map[string]int, error) {
	rows, err := d.sql.Query(`
		SELECT status, COUNT(*)
		  FROM interests
		 WHERE destination_id = ?
		 GROUP BY status
	`, destinationID)
	if err != nil {
		return nil, fmt.Errorf("count interests: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
