package store

import (
	"fmt"
	"time"
)

// Transfer is one finished session.
type Transfer struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Target     string    `json:"target"`
	Expected   uint32    `json:"expected"`
	Received   uint32    `json:"received"`
	Written    uint32    `json:"written"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// InsertTransfer records t and returns its row id.
func (db *DB) InsertTransfer(t *Transfer) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO transfers
		  (session_id, target, expected, received, written, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Target, t.Expected, t.Received, t.Written, t.Status,
		t.StartedAt.UnixMilli(), t.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert transfer %s: %w", t.SessionID, err)
	}
	return res.LastInsertId()
}

// ListTransfers returns the n most recently finished transfers, newest first.
// A non-empty target narrows the list to one display.
func (db *DB) ListTransfers(target string, n int) ([]*Transfer, error) {
	rows, err := db.Query(`
		SELECT id, session_id, target, expected, received, written, status, started_at, finished_at
		FROM transfers
		WHERE (? = '' OR target = ?)
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, target, target, n)
	if err != nil {
		return nil, fmt.Errorf("store: list transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		var (
			t                 Transfer
			started, finished int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Target, &t.Expected, &t.Received,
			&t.Written, &t.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("store: scan transfer: %w", err)
		}
		t.StartedAt = time.UnixMilli(started).UTC()
		t.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTransfersBefore removes transfers finished before cutoff.
func (db *DB) DeleteTransfersBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune transfers: %w", err)
	}
	return res.RowsAffected()
}
