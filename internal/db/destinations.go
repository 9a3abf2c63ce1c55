package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"travelkit/internal/engine"
	"golang.org/x/sync/singleflight"
)

// destCacheTTL bounds how stale cached destination rows may get.
// Destinations change rarely (admin edits) but every scoring pass reads
// them, so a short read-through cache pays for itself.
const destCacheTTL = 5 * time.Minute

type destCacheEntry struct {
	dest    engine.Destination
	fetched time.Time
}

type destCache struct {
	mu      sync.RWMutex
	entries map[int64]destCacheEntry
	flight  singleflight.Group
}

// GetDestination returns a destination by id, via the read-through
// cache. Concurrent misses for the same id share one query.
func (d *DB) GetDestination(id int64) (engine.Destination, error) {
	d.destCache.mu.RLock()
	entry, ok := d.destCache.entries[id]
	d.destCache.mu.RUnlock()
	if ok && time.Since(entry.fetched) < destCacheTTL {
		return entry.dest, nil
	}

	v, err, _ := d.destCache.flight.Do(fmt.Sprintf("dest-%d", id), func() (any, error) {
		dest, err := d.fetchDestination(id)
		if err != nil {
			return engine.Destination{}, err
		}
		d.destCache.mu.Lock()
		d.destCache.entries[id] = destCacheEntry{dest: dest, fetched: time.Now()}
		d.destCache.mu.Unlock()
		return dest, nil
	})
	if err != nil {
		return engine.Destination{}, err
	}
	return v.(engine.Destination), nil
}

func (d *DB) fetchDestination(id int64) (engine.Destination, error) {
	var dest engine.Destination
	err := d.sql.QueryRow(`
		SELECT id, name, country, base_price, max_discount, active
		  FROM destinations
		 WHERE id = ?
	`, id).Scan(&dest.ID, &dest.Name, &dest.Country, &dest.BasePrice, &dest.MaxDiscount, &dest.Active)
	if err == sql.ErrNoRows {
		return dest, fmt.Errorf("destination %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return dest, fmt.Errorf("get destination %d: %w", id, err)
	}
	return dest, nil
}

// ListActiveDestinations returns all destinations open for clustering.
func (d *DB) ListActiveDestinations() ([]engine.Destination, error) {
	rows, err := d.sql.Query(`
		SELECT id, name, country, base_price, max_discount, active
		  FROM destinations
		 WHERE active = 1
		 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var dests []engine.Destination
	for rows.Next() {
		var dest engine.Destination
		if err := rows.Scan(&dest.ID, &dest.Name, &dest.Country, &dest.BasePrice, &dest.MaxDiscount, &dest.Active); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dests = append(dests, dest)
	}
	return dests, rows.Err()
}

// CreateDestination inserts a destination and returns its id.
func (d *DB) CreateDestination(dest engine.Destination) (int64, error) {
	res, err := d.sql.Exec(`
		INSERT INTO destinations (name, country, base_price, max_discount, active)
		VALUES (?, ?, ?, ?, ?)
	`, dest.Name, dest.Country, dest.BasePrice, dest.MaxDiscount, dest.Active)
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}
	return res.LastInsertId()
}

// UpdateDestination rewrites a destination row and drops its cache
// entry so the next read sees the new values.
func (d *DB) UpdateDestination(dest engine.Destination) error {
	_, err := d.sql.Exec(`
		UPDATE destinations
		   SET name = ?, country = ?, base_price = ?, max_discount = ?, active = ?
		 WHERE id = ?
	`, dest.Name, dest.Country, dest.BasePrice, dest.MaxDiscount, dest.Active, dest.ID)
	if err != nil {
		return fmt.Errorf("update destination %d: %w", dest.ID, err)
	}
	d.destCache.mu.Lock()
	delete(d.destCache.entries, dest.ID)
	d.destCache.mu.Unlock()
	return nil
}
