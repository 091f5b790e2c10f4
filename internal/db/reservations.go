package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

const reservationCols = `r.id, r.project_id, r.agent_id, a.name, r.patterns, r.reason, r.exclusive, r.created_us, r.expires_us, r.released_us`

func scanReservation(rows *sql.Rows) (model.FileReservation, error) {
	var r model.FileReservation
	var patterns string
	var released sql.NullInt64
	err := rows.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.AgentName, &patterns,
		&r.Reason, &r.Exclusive, &r.Created, &r.Expires, &released)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(patterns), &r.Patterns); err != nil {
		return r, fmt.Errorf("decode patterns of reservation %d: %w", r.ID, err)
	}
	if released.Valid {
		v := model.Micros(released.Int64)
		r.Released = &v
	}
	return r, nil
}

// InsertReservation writes a new reservation without any conflict check.
// The reservation engine does not use it: it goes through ReserveAtomic,
// which checks and inserts in one transaction.
func (s *Store) InsertReservation(ctx context.Context, projectID, agentID int64, patterns []string, reason string, exclusive bool, now, expires model.Micros) (*model.FileReservation, error) {
	raw, err := json.Marshal(patterns)
	if err != nil {
		return nil, fmt.Errorf("encode patterns: %w", err)
	}
	var out model.FileReservation
	err = s.WithTx(ctx, func(tx *Tx) error {
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

// ActiveReservations returns every reservation active at now.
func (s *Store) ActiveReservations(ctx context.Context, projectID int64, now model.Micros) ([]model.FileReservation, error) {
	var out []model.FileReservation
	err := s.queryRows(ctx, `
SELECT `+reservationCols+`
FROM file_reservations r JOIN agents a ON a.id = r.agent_id
WHERE r.project_id = ? AND r.released_us IS NULL AND r.expires_us > ?
ORDER BY r.id`, []any{projectID, int64(now)},
		func(rows *sql.Rows) error {
			r, err := scanReservation(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	return out, err
}

// ReservationsOf returns an agent's reservations, active first.
func (s *Store) ReservationsOf(ctx context.Context, projectID, agentID int64) ([]model.FileReservation, error) {
	var out []model.FileReservation
	err := s.queryRows(ctx, `
SELECT `+reservationCols+`
FROM file_reservations r JOIN agents a ON a.id = r.agent_id
WHERE r.project_id = ? AND r.agent_id = ?
ORDER BY (r.released_us IS NOT NULL), r.id DESC`, []any{projectID, agentID},
		func(rows *sql.Rows) error {
			r, err := scanReservation(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	return out, err
}

// GetReservation fetches one reservation.
func (s *Store) GetReservation(ctx context.Context, projectID, id int64) (*model.FileReservation, error) {
	var r model.FileReservation
	found := false
	err := s.queryRows(ctx, `
SELECT `+reservationCols+`
FROM file_reservations r JOIN agents a ON a.id = r.agent_id
WHERE r.project_id = ? AND r.id = ?`, []any{projectID, id},
		func(rows *sql.Rows) error {
			found = true
			var err error
			r, err = scanReservation(rows)
			return err
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.Errf(model.KindNotFound, "reservation %d not found", id)
	}
	return &r, nil
}

// ReleaseReservations transitions the given ids from active to released and
// returns exactly the rows that changed, via UPDATE ... RETURNING. Releasing
// an already-released id returns an empty set, not an error. When ownerID is
// non-zero only that agent's rows transition.
func (s *Store) ReleaseReservations(ctx context.Context, projectID int64, ids []int64, ownerID int64, now model.Micros, note string) ([]model.FileReservation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `
UPDATE file_reservations SET released_us = ?, release_note = ?
WHERE project_id = ? AND released_us IS NULL AND id IN (` + placeholdersFor(len(ids)) + `)`
	args := []any{int64(now), nullable(note), projectID}
	for _, id := range ids {
		args = append(args, id)
	}
	if ownerID != 0 {
		q += ` AND agent_id = ?`
		args = append(args, ownerID)
	}
	q += `
RETURNING id, project_id, agent_id, '', patterns, reason, exclusive, created_us, expires_us, released_us`

	var out []model.FileReservation
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.Query(q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// RETURNING cannot join; resolve holder names after the fact.
	for i := range out {
		a, err := s.AgentByID(ctx, out[i].AgentID)
		if err == nil {
			out[i].AgentName = a.Name
		}
	}
	return out, nil
}

// ReleaseByPatterns releases the owner's active reservations whose pattern
// sets contain any of the given patterns verbatim.
func (s *Store) ReleaseByPatterns(ctx context.Context, projectID, ownerID int64, patterns []string, now model.Micros) ([]model.FileReservation, error) {
	active, err := s.ActiveReservations(ctx, projectID, now)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		want[p] = true
	}
	var ids []int64
	for _, r := range active {
		if r.AgentID != ownerID {
			continue
		}
		for _, p := range r.Patterns {
			if want[p] {
				ids = append(ids, r.ID)
				break
			}
		}
	}
	return s.ReleaseReservations(ctx, projectID, ids, ownerID, now, "")
}

// RenewReservations extends expires_us on the owner's active reservations.
// Rows keep their ids; only expires_us changes.
func (s *Store) RenewReservations(ctx context.Context, projectID, ownerID int64, ids []int64, newExpiry model.Micros, now model.Micros) ([]model.FileReservation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `
UPDATE file_reservations SET expires_us = ?
WHERE project_id = ? AND agent_id = ? AND released_us IS NULL AND expires_us > ? AND id IN (` + placeholdersFor(len(ids)) + `)
RETURNING id, project_id, agent_id, '', patterns, reason, exclusive, created_us, expires_us, released_us`
	args := []any{int64(newExpiry), projectID, ownerID, int64(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	var out []model.FileReservation
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.Query(q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		if a, err := s.AgentByID(ctx, out[i].AgentID); err == nil {
			out[i].AgentName = a.Name
		}
	}
	return out, nil
}

// CleanupExpiredReservations marks reservations whose TTL lapsed as released
// for bookkeeping, returning the affected rows for archive updates.
func (s *Store) CleanupExpiredReservations(ctx context.Context, projectID int64, now model.Micros) ([]model.FileReservation, error) {
	var out []model.FileReservation
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.Query(`
UPDATE file_reservations SET released_us = expires_us
WHERE project_id = ? AND released_us IS NULL AND expires_us <= ?
RETURNING id, project_id, agent_id, '', patterns, reason, exclusive, created_us, expires_us, released_us`,
			projectID, int64(now))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func placeholdersFor(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AcquireBuildSlot leases the named slot. An active lease held by another
// agent conflicts; re-acquiring one's own lease renews it.
func (s *Store) AcquireBuildSlot(ctx context.Context, projectID, agentID int64, name string, now, expires model.Micros) (*model.BuildSlot, error) {
	var out model.BuildSlot
	err := s.WithTx(ctx, func(tx *Tx) error {
		var holderID int64
		var slotID int64
		err := tx.QueryRow(`
SELECT id, agent_id FROM build_slots
WHERE project_id = ? AND name = ? AND released_us IS NULL AND expires_us > ?`,
			projectID, name, int64(now)).Scan(&slotID, &holderID)
		switch {
		case err == nil:
			if holderID != agentID {
				holder, herr := s.AgentByID(ctx, holderID)
				holderName := ""
				if herr == nil {
					holderName = holder.Name
				}
				return model.Errf(model.KindConflict, "build slot %q held by %s", name, holderName).
					WithDetail("holder", holderName)
			}
			if _, err := tx.Exec(`UPDATE build_slots SET expires_us = ? WHERE id = ?`,
				int64(expires), slotID); err != nil {
				return err
			}
			out = model.BuildSlot{ID: slotID, ProjectID: projectID, Name: name, AgentID: agentID, Created: now, Expires: expires}
			return nil
		case isNoRows(err):
			res, err := tx.Exec(`
INSERT INTO build_slots (project_id, name, agent_id, created_us, expires_us)
VALUES (?, ?, ?, ?, ?)`, projectID, name, agentID, int64(now), int64(expires))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			out = model.BuildSlot{ID: id, ProjectID: projectID, Name: name, AgentID: agentID, Created: now, Expires: expires}
			return nil
		default:
			return mapDBErr(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewBuildSlot extends the agent's own active lease.
func (s *Store) RenewBuildSlot(ctx context.Context, projectID, agentID int64, name string, now, expires model.Micros) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`
UPDATE build_slots SET expires_us = ?
WHERE project_id = ? AND name = ? AND agent_id = ? AND released_us IS NULL AND expires_us > ?`,
			int64(expires), projectID, name, agentID, int64(now))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Errf(model.KindNotFound, "no active lease on build slot %q", name)
		}
		return nil
	})
}

// ReleaseBuildSlot releases the agent's own lease. Idempotent.
func (s *Store) ReleaseBuildSlot(ctx context.Context, projectID, agentID int64, name string, now model.Micros) (bool, error) {
	var released bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`
UPDATE build_slots SET released_us = ?
WHERE project_id = ? AND name = ? AND agent_id = ? AND released_us IS NULL`,
			int64(now), projectID, name, agentID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		released = n > 0
		return nil
	})
	return released, err
}

// ListBuildSlots returns the project's active slots.
func (s *Store) ListBuildSlots(ctx context.Context, projectID int64, now model.Micros) ([]model.BuildSlot, error) {
	var out []model.BuildSlot
	err := s.queryRows(ctx, `
SELECT b.id, b.project_id, b.name, b.agent_id, a.name, b.created_us, b.expires_us
FROM build_slots b JOIN agents a ON a.id = b.agent_id
WHERE b.project_id = ? AND b.released_us IS NULL AND b.expires_us > ?
ORDER BY b.name`, []any{projectID, int64(now)},
		func(rows *sql.Rows) error {
			var b model.BuildSlot
			if err := rows.Scan(&b.ID, &b.ProjectID, &b.Name, &b.AgentID, &b.AgentName, &b.Created, &b.Expires); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	return out, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
