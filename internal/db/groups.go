package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"travelkit/internal/engine"
)

const groupCols = `id, destination_id, name, date_from, date_to, min_size, max_size,
	current_size, base_price, final_price_per_person, price_calc, status,
	confirmation_deadline, auto_confirm_enabled, minimum_confirmation_rate,
	admin_notes, created_at`

func scanGroup(row interface{ Scan(...any) error }) (engine.Group, error) {
	var g engine.Group
	var dateFrom, dateTo, priceCalc, createdAt string
	var deadline *string
	err := row.Scan(
		&g.ID, &g.DestinationID, &g.Name, &dateFrom, &dateTo, &g.MinSize, &g.MaxSize,
		&g.CurrentSize, &g.BasePrice, &g.FinalPricePerPerson, &priceCalc, &g.Status,
		&deadline, &g.AutoConfirmEnabled, &g.MinimumConfirmationRate,
		&g.AdminNotes, &createdAt,
	)
	if err != nil {
		return g, err
	}
	g.DateFrom = parseTime(dateFrom)
	g.DateTo = parseTime(dateTo)
	g.CreatedAt = parseTime(createdAt)
	g.ConfirmationDeadline = parseTimePtr(deadline)
	json.Unmarshal([]byte(priceCalc), &g.PriceCalc)
	return g, nil
}

// GetGroup returns a group by id.
func (d *DB) GetGroup(id int64) (engine.Group, error) {
	g, err := scanGroup(d.sql.QueryRow(
		`SELECT `+groupCols+` FROM groups WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return g, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return g, fmt.Errorf("get group %d: %w", id, err)
	}
	return g, nil
}

// GroupsByStatus returns all groups in one of the given statuses.
func (d *DB) GroupsByStatus(statuses ...string) ([]engine.Group, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + groupCols + ` FROM groups WHERE status IN (?`
	args := []any{statuses[0]}
	for _, s := range statuses[1:] {
		query += ",?"
		args = append(args, s)
	}
	query += `) ORDER BY id`

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("groups by status: %w", err)
	}
	defer rows.Close()

	var groups []engine.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CreateGroupFromCluster persists a cluster as a forming group and
// binds its members in one transaction. Members that have been claimed
// since the cluster was built (group_id no longer NULL) are skipped; if
// too few survive, nothing is written and (0, false) is returned.
func (d *DB) CreateGroupFromCluster(g engine.Group, members []engine.Interest) (int64, bool, error) {
	var groupID int64
	created := false
	err := d.WithTx(func(tx *sql.Tx) error {
		survivors := make([]engine.Interest, 0, len(members))
		for _, m := range members {
			var claimed sql.NullInt64
			err := tx.QueryRow(`SELECT group_id FROM interests WHERE id = ? AND status = ?`,
				m.ID, engine.InterestOpen).Scan(&claimed)
			if err == sql.ErrNoRows || (err == nil && claimed.Valid) {
				continue
			}
			if err != nil {
				return fmt.Errorf("check interest %d: %w", m.ID, err)
			}
			survivors = append(survivors, m)
		}
		if len(survivors) < g.MinSize {
			return nil
		}

		calcJSON, _ := json.Marshal(g.PriceCalc)
		res, err := tx.Exec(`
			INSERT INTO groups
			  (destination_id, name, date_from, date_to, min_size, max_size, current_size,
			   base_price, final_price_per_person, price_calc, status, confirmation_deadline,
			   auto_confirm_enabled, minimum_confirmation_rate, admin_notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, g.DestinationID, g.Name, fmtTime(g.DateFrom), fmtTime(g.DateTo),
			g.MinSize, g.MaxSize, g.CurrentSize, g.BasePrice, g.FinalPricePerPerson,
			string(calcJSON), g.Status, fmtTimePtr(g.ConfirmationDeadline),
			g.AutoConfirmEnabled, g.MinimumConfirmationRate, g.AdminNotes,
			fmtTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		groupID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		size := 0
		for _, m := range survivors {
			if err := AssignInterestTx(tx, m.ID, groupID, engine.InterestMatched); err != nil {
				return err
			}
			size += m.PartySize
		}
		if _, err := tx.Exec(`UPDATE groups SET current_size = ? WHERE id = ?`, size, groupID); err != nil {
			return fmt.Errorf("set group size: %w", err)
		}
		created = true
		return nil
	})
	return groupID, created, err
}

// UpdateGroupTx rewrites the mutable group columns inside the caller's
// transaction.
func UpdateGroupTx(tx *sql.Tx, g engine.Group) error {
	calcJSON, _ := json.Marshal(g.PriceCalc)
	_, err := tx.Exec(`
		UPDATE groups
		   SET name = ?, date_from = ?, date_to = ?, current_size = ?,
		       final_price_per_person = ?, price_calc = ?, status = ?,
		       confirmation_deadline = ?, admin_notes = ?
		 WHERE id = ?
	`, g.Name, fmtTime(g.DateFrom), fmtTime(g.DateTo), g.CurrentSize,
		g.FinalPricePerPerson, string(calcJSON), g.Status,
		fmtTimePtr(g.ConfirmationDeadline), g.AdminNotes, g.ID)
	if err != nil {
		return fmt.Errorf("update group %d: %w", g.ID, err)
	}
	return nil
}

// UpdateGroup rewrites the mutable group columns in its own
// transaction.
func (d *DB) UpdateGroup(g engine.Group) error {
	return d.WithTx(func(tx *sql.Tx) error {
		return UpdateGroupTx(tx, g)
	})
}

// SetGroupStatusTx moves a group to a new status.
func SetGroupStatusTx(tx *sql.Tx, groupID int64, status string) error {
	_, err := tx.Exec(`UPDATE groups SET status = ? WHERE id = ?`, status, groupID)
	if err != nil {
		return fmt.Errorf("set group %d status: %w", groupID, err)
	}
	return nil
}

// GroupsWithDeadlines returns non-terminal groups carrying a
// confirmation deadline, for re-arming timers after a restart.
func (d *DB) GroupsWithDeadlines() ([]engine.Group, error) {
	rows, err := d.sql.Query(`
		SELECT ` + groupCols + `
		  FROM groups
		 WHERE confirmation_deadline IS NOT NULL
		   AND status NOT IN ('confirmed', 'cancelled', 'merged')
		 ORDER BY confirmation_deadline
	`)
	if err != nil {
		return nil, fmt.Errorf("groups with deadlines: %w", err)
	}
	defer rows.Close()

	var groups []engine.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
