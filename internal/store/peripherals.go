package store

import (
	"fmt"
	"time"
)

// Peripheral is a display the gateway has seen or served.
type Peripheral struct {
	Address    string    `json:"address"`
	Name       string    `json:"name,omitempty"`
	RSSI       int16     `json:"rssi,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// UpsertPeripheral creates or refreshes a row. Empty name and status values
// keep what is already stored.
func (db *DB) UpsertPeripheral(p *Peripheral) error {
	_, err := db.Exec(`
		INSERT INTO peripherals (address, name, rssi, last_status, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE
		  SET name        = CASE WHEN excluded.name = '' THEN peripherals.name ELSE excluded.name END,
		      rssi        = CASE WHEN excluded.rssi = 0 THEN peripherals.rssi ELSE excluded.rssi END,
		      last_status = CASE WHEN excluded.last_status = '' THEN peripherals.last_status ELSE excluded.last_status END,
		      last_seen   = excluded.last_seen`,
		p.Address, p.Name, p.RSSI, p.LastStatus, p.LastSeen.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert peripheral %s: %w", p.Address, err)
	}
	return nil
}

// ListPeripherals returns every stored display.
func (db *DB) ListPeripherals() ([]*Peripheral, error) {
	rows, err := db.Query(`
		SELECT address, name, rssi, last_status, last_seen
		FROM peripherals
		ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("store: list peripherals: %w", err)
	}
	defer rows.Close()

	var out []*Peripheral
	for rows.Next() {
		var (
			p    Peripheral
			seen int64
		)
		if err := rows.Scan(&p.Address, &p.Name, &p.RSSI, &p.LastStatus, &seen); err != nil {
			return nil, fmt.Errorf("store: scan peripheral: %w", err)
		}
		p.LastSeen = time.Unix(seen, 0).UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}
