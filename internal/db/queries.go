package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/util"
)

// EnsureProject returns the project for humanKey, creating it on first
// touch. Idempotent by human_key.
func (s *Store) EnsureProject(ctx context.Context, humanKey string) (*model.Project, error) {
	if humanKey == "" {
		return nil, model.Errf(model.KindValidation, "human_key is required")
	}
	if p, err := s.ProjectByKey(ctx, humanKey); err == nil {
		return p, nil
	} else if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}

	slug := util.Slugify(humanKey)
	now := model.Now()
	var proj model.Project
	err := s.WithTx(ctx, func(tx *Tx) error {
		// Re-check under the write lock; a concurrent caller may have won.
		row := tx.QueryRow(`SELECT id, slug, human_key, created_us FROM projects WHERE human_key = ?`, humanKey)
		if err := row.Scan(&proj.ID, &proj.Slug, &proj.HumanKey, &proj.Created); err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return mapDBErr(err)
		}
		// Disambiguate slug collisions between distinct keys.
		candidate := slug
		for i := 2; ; i++ {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE slug = ?`, candidate).Scan(&n); err != nil {
				return mapDBErr(err)
			}
			if n == 0 {
				break
			}
			candidate = slug + "-" + strconv.Itoa(i)
		}
		res, err := tx.Exec(
			`INSERT INTO projects (slug, human_key, created_us) VALUES (?, ?, ?)`,
			candidate, humanKey, int64(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		proj = model.Project{ID: id, Slug: candidate, HumanKey: humanKey, Created: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &proj, nil
}

// ProjectByKey looks a project up by its human key (absolute path).
func (s *Store) ProjectByKey(ctx context.Context, humanKey string) (*model.Project, error) {
	return s.projectWhere(ctx, `human_key = ?`, humanKey)
}

// ProjectBySlug looks a project up by slug.
func (s *Store) ProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	return s.projectWhere(ctx, `slug = ?`, slug)
}

// ProjectByID looks a project up by id.
func (s *Store) ProjectByID(ctx context.Context, id int64) (*model.Project, error) {
	return s.projectWhere(ctx, `id = ?`, id)
}

func (s *Store) projectWhere(ctx context.Context, where string, arg any) (*model.Project, error) {
	var p model.Project
	found := false
	err := s.queryRows(ctx,
		`SELECT id, slug, human_key, created_us FROM projects WHERE `+where, []any{arg},
		func(rows *sql.Rows) error {
			found = true
			return rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &p.Created)
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.Errf(model.KindNotFound, "project not found")
	}
	return &p, nil
}

// ListProjects returns every project ordered by slug.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.queryRows(ctx,
		`SELECT id, slug, human_key, created_us FROM projects ORDER BY slug`, nil,
		func(rows *sql.Rows) error {
			var p model.Project
			if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &p.Created); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	return out, err
}

const agentCols = `id, project_id, name, program, model, capabilities, status, contact_policy, inception_us, last_seen_us`

func scanAgent(rows *sql.Rows) (model.Agent, error) {
	var a model.Agent
	err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model,
		&a.Capabilities, &a.Status, &a.Policy, &a.Inception, &a.LastSeen)
	return a, err
}

// RegisterAgent creates or refreshes an agent identity. Idempotent by
// (project, name): re-registration updates program/model/last_seen and
// returns the same id.
func (s *Store) RegisterAgent(ctx context.Context, projectID int64, name, program, mdl, capabilities string) (*model.Agent, error) {
	if !util.ValidAgentName(name) {
		return nil, model.Errf(model.KindValidation, "agent name %q: want AdjectiveNoun (two capitalized tokens)", name)
	}
	now := model.Now()
	var out model.Agent
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(`
INSERT INTO agents (project_id, name, program, model, capabilities, status, contact_policy, inception_us, last_seen_us)
VALUES (?, ?, ?, ?, ?, 'active', 'auto', ?, ?)
ON CONFLICT (project_id, name) DO UPDATE SET
    program = excluded.program,
    model = excluded.model,
    capabilities = CASE WHEN excluded.capabilities != '' THEN excluded.capabilities ELSE agents.capabilities END,
    status = 'active',
    last_seen_us = excluded.last_seen_us`,
			projectID, name, program, mdl, capabilities, int64(now), int64(now))
		if err != nil {
			return err
		}
		row := tx.QueryRow(`SELECT `+agentCols+` FROM agents WHERE project_id = ? AND name = ?`, projectID, name)
		return row.Scan(&out.ID, &out.ProjectID, &out.Name, &out.Program, &out.Model,
			&out.Capabilities, &out.Status, &out.Policy, &out.Inception, &out.LastSeen)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentByName resolves an agent within a project.
func (s *Store) AgentByName(ctx context.Context, projectID int64, name string) (*model.Agent, error) {
	return s.agentWhere(ctx, `project_id = ? AND name = ?`, projectID, name)
}

// AgentByID resolves an agent by id.
func (s *Store) AgentByID(ctx context.Context, id int64) (*model.Agent, error) {
	return s.agentWhere(ctx, `id = ?`, id)
}

func (s *Store) agentWhere(ctx context.Context, where string, args ...any) (*model.Agent, error) {
	var a model.Agent
	found := false
	err := s.queryRows(ctx, `SELECT `+agentCols+` FROM agents WHERE `+where, args,
		func(rows *sql.Rows) error {
			found = true
			var err error
			a, err = scanAgent(rows)
			return err
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.Errf(model.KindNotFound, "agent not found")
	}
	return &a, nil
}

// ListAgents returns the project's agents ordered by name.
func (s *Store) ListAgents(ctx context.Context, projectID int64) ([]model.Agent, error) {
	var out []model.Agent
	err := s.queryRows(ctx,
		`SELECT `+agentCols+` FROM agents WHERE project_id = ? ORDER BY name`, []any{projectID},
		func(rows *sql.Rows) error {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	return out, err
}

// ActiveAgents returns agents with status 'active', for broadcast fan-out.
func (s *Store) ActiveAgents(ctx context.Context, projectID int64) ([]model.Agent, error) {
	var out []model.Agent
	err := s.queryRows(ctx,
		`SELECT `+agentCols+` FROM agents WHERE project_id = ? AND status = 'active' ORDER BY name`, []any{projectID},
		func(rows *sql.Rows) error {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	return out, err
}

// TouchAgent bumps last_seen_us.
func (s *Store) TouchAgent(ctx context.Context, agentID int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(`UPDATE agents SET last_seen_us = ? WHERE id = ?`, int64(model.Now()), agentID)
		return err
	})
}

// UpdateAgentStatus sets status (active, idle, retired).
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID int64, status string) error {
	switch status {
	case model.AgentActive, model.AgentIdle, model.AgentRetired:
	default:
		return model.Errf(model.KindValidation, "unknown agent status %q", status)
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`UPDATE agents SET status = ?, last_seen_us = ? WHERE id = ?`,
			status, int64(model.Now()), agentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Errf(model.KindNotFound, "agent %d not found", agentID)
		}
		return nil
	})
}

// SetContactPolicy updates an agent's policy.
func (s *Store) SetContactPolicy(ctx context.Context, agentID int64, policy model.ContactPolicy) error {
	if !model.ValidPolicy(policy) {
		return model.Errf(model.KindValidation, "unknown contact policy %q", policy)
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`UPDATE agents SET contact_policy = ? WHERE id = ?`, string(policy), agentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Errf(model.KindNotFound, "agent %d not found", agentID)
		}
		return nil
	})
}

// orderPair canonicalizes a contact pair so (A,B) and (B,A) share one row.
func orderPair(ap, aa, bp, ba int64) (int64, int64, int64, int64) {
	if ap < bp || (ap == bp && aa <= ba) {
		return ap, aa, bp, ba
	}
	return bp, ba, ap, aa
}

// ContactLink returns the link between two agents, if any.
func (s *Store) ContactLink(ctx context.Context, aProject, aAgent, bProject, bAgent int64) (*model.ContactLink, error) {
	p1, a1, p2, a2 := orderPair(aProject, aAgent, bProject, bAgent)
	var l model.ContactLink
	found := false
	err := s.queryRows(ctx, `
SELECT id, a_project, a_agent, b_project, b_agent, status, created_us, updated_us
FROM contact_links
WHERE a_project = ? AND a_agent = ? AND b_project = ? AND b_agent = ?`,
		[]any{p1, a1, p2, a2},
		func(rows *sql.Rows) error {
			found = true
			return rows.Scan(&l.ID, &l.AProject, &l.AAgent, &l.BProject, &l.BAgent,
				&l.Status, &l.Created, &l.UpdatedAt)
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.Errf(model.KindNotFound, "no contact link")
	}
	return &l, nil
}

// UpsertContactLink creates the pair row in the given status, or updates the
// status of the existing row. Creating an already-active pair as "requested"
// is a no-op so approvals are never silently demoted.
func (s *Store) UpsertContactLink(ctx context.Context, aProject, aAgent, bProject, bAgent int64, status model.ContactStatus) (*model.ContactLink, error) {
	p1, a1, p2, a2 := orderPair(aProject, aAgent, bProject, bAgent)
	now := model.Now()
	var l model.ContactLink
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(`
INSERT INTO contact_links (a_project, a_agent, b_project, b_agent, status, created_us, updated_us)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (a_project, a_agent, b_project, b_agent) DO UPDATE SET
    status = CASE
        WHEN contact_links.status = 'active' AND excluded.status = 'requested' THEN contact_links.status
        ELSE excluded.status
    END,
    updated_us = excluded.updated_us`,
			p1, a1, p2, a2, string(status), int64(now), int64(now))
		if err != nil {
			return err
		}
		row := tx.QueryRow(`
SELECT id, a_project, a_agent, b_project, b_agent, status, created_us, updated_us
FROM contact_links
WHERE a_project = ? AND a_agent = ? AND b_project = ? AND b_agent = ?`, p1, a1, p2, a2)
		return row.Scan(&l.ID, &l.AProject, &l.AAgent, &l.BProject, &l.BAgent,
			&l.Status, &l.Created, &l.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ContactsOf lists every link touching the agent.
func (s *Store) ContactsOf(ctx context.Context, projectID, agentID int64) ([]model.ContactLink, error) {
	var out []model.ContactLink
	err := s.queryRows(ctx, `
SELECT id, a_project, a_agent, b_project, b_agent, status, created_us, updated_us
FROM contact_links
WHERE (a_project = ? AND a_agent = ?) OR (b_project = ? AND b_agent = ?)
ORDER BY updated_us DESC, id DESC`,
		[]any{projectID, agentID, projectID, agentID},
		func(rows *sql.Rows) error {
			var l model.ContactLink
			if err := rows.Scan(&l.ID, &l.AProject, &l.AAgent, &l.BProject, &l.BAgent,
				&l.Status, &l.Created, &l.UpdatedAt); err != nil {
				return err
			}
			out = append(out, l)
			return nil
		})
	return out, err
}
