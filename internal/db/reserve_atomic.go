package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

// ReserveAtomic loads the project's active reservations and inserts a new
// one in a single IMMEDIATE transaction. check receives the active rows
// (holder names resolved) and returns the conflict error, if any; the write
// lock held for the duration makes the check-then-insert race-free against
// other writers.
func (s *Store) ReserveAtomic(ctx context.Context, projectID, agentID int64, patterns []string, reason string, exclusive bool, now, expires model.Micros, check func(active []model.FileReservation) error) (*model.FileReservation, error) {
	raw, err := json.Marshal(patterns)
	if err != nil {
		return nil, fmt.Errorf("encode patterns: %w", err)
	}
	var out model.FileReservation
	err = s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.Query(`
SELECT `+reservationCols+`
FROM file_reservations r JOIN agents a ON a.id = r.agent_id
WHERE r.project_id = ? AND r.released_us IS NULL AND r.expires_us > ?
ORDER BY r.id`, projectID, int64(now))
		if err != nil {
			return err
		}
		var active []model.FileReservation
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				rows.Close()
				return err
			}
			active = append(active, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return mapDBErr(err)
		}
		rows.Close()

		if err := check(active); err != nil {
			return err
		}

		res, err := tx.Exec(`
INSERT INTO file_reservations (project_id, agent_id, patterns, reason, exclusive, created_us, expires_us)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			projectID, agentID, string(raw), reason, exclusive, int64(now), int64(expires))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = model.FileReservation{
			ID: id, ProjectID: projectID, AgentID: agentID,
			Patterns: patterns, Reason: reason, Exclusive: exclusive,
			Created: now, Expires: expires,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
