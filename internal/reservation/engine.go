// Package reservation implements advisory file reservations: TTL-bounded
// glob leases with symmetric conflict detection. The SQLite index decides
// conflicts; the archive carries a JSON artifact per reservation so the
// pre-commit guard can enforce the same leases without a server round trip.
package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/archive"
	"github.com/Dicklesworthstone/agent-mail/internal/cache"
	"github.com/Dicklesworthstone/agent-mail/internal/config"
	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/glob"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/util"
)

// DefaultTTL applies when a reserve call names none.
const DefaultTTL = time.Hour

// Notifier delivers system messages (force-release notices). Implemented by
// the messaging pipeline.
type Notifier interface {
	SystemMessage(ctx context.Context, project *model.Project, recipient string, subject, body string) error
}

// Engine coordinates the index, the archive queue, and the cache.
type Engine struct {
	db       *db.Store
	queue    *archive.Queue
	cache    *cache.Cache
	notifier Notifier
	log      *slog.Logger
}

// NewEngine wires the reservation engine. cache and notifier may be nil.
func NewEngine(store *db.Store, queue *archive.Queue, c *cache.Cache, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: store, queue: queue, cache: c, log: log}
}

// SetNotifier attaches the system-message sink (done after the messaging
// pipeline exists, to break the construction cycle).
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Conflict describes one blocking reservation in a CONFLICT error.
type Conflict struct {
	ReservationID int64    `json:"reservation_id"`
	Holder        string   `json:"holder"`
	Patterns      []string `json:"patterns"`
	Exclusive     bool     `json:"exclusive"`
}

// Reserve grants a lease on patterns or fails with CONFLICT listing every
// blocking reservation. An incoming exclusive lease conflicts with any
// intersecting active lease; an incoming shared lease conflicts only with
// intersecting exclusive ones. Matching is symmetric in all cases.
func (e *Engine) Reserve(ctx context.Context, project *model.Project, agent *model.Agent, patterns []string, ttl time.Duration, exclusive bool, reason string) (*model.FileReservation, error) {
	patterns, err := normalizePatterns(patterns)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	reason = util.SafeSlice(reason, config.MaxNoteBytes)
	now := model.Now()
	expires := now.Add(ttl)

	granted, err := e.db.ReserveAtomic(ctx, project.ID, agent.ID, patterns, reason, exclusive, now, expires,
		func(active []model.FileReservation) error {
			var conflicts []Conflict
			for _, r := range active {
				if r.AgentID == agent.ID {
					continue
				}
				if !exclusive && !r.Exclusive {
					continue
				}
				if glob.OverlapsAny(r.Patterns, patterns) {
					conflicts = append(conflicts, Conflict{
						ReservationID: r.ID,
						Holder:        r.AgentName,
						Patterns:      r.Patterns,
						Exclusive:     r.Exclusive,
					})
				}
			}
			if len(conflicts) > 0 {
				return model.Errf(model.KindConflict, "%d reservation(s) block %s",
					len(conflicts), strings.Join(patterns, ", ")).
					WithDetail("conflicts", conflicts)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	granted.AgentName = agent.Name

	if err := e.writeArtifact(ctx, project, agent, granted, false, "reserve"); err != nil {
		return nil, err
	}
	e.invalidate(project.ID)
	return granted, nil
}

// CheckConflicts is the dry-run variant: it reports what an exclusive Reserve
// would collide with (every intersecting lease of another agent, shared or
// exclusive), without taking a lease.
func (e *Engine) CheckConflicts(ctx context.Context, project *model.Project, agentID int64, patterns []string) ([]Conflict, error) {
	patterns, err := normalizePatterns(patterns)
	if err != nil {
		return nil, err
	}
	active, err := e.db.ActiveReservations(ctx, project.ID, model.Now())
	if err != nil {
		return nil, err
	}
	var out []Conflict
	for _, r := range active {
		if r.AgentID == agentID {
			continue
		}
		if glob.OverlapsAny(r.Patterns, patterns) {
			out = append(out, Conflict{
				ReservationID: r.ID,
				Holder:        r.AgentName,
				Patterns:      r.Patterns,
				Exclusive:     r.Exclusive,
			})
		}
	}
	return out, nil
}

// Release releases the agent's own reservations by id or by verbatim
// pattern. The UPDATE ... RETURNING rowset drives the archive updates, so
// the index and the artifacts cannot drift. Releasing an already-released
// id is a no-op.
func (e *Engine) Release(ctx context.Context, project *model.Project, agent *model.Agent, ids []int64, patterns []string) ([]model.FileReservation, error) {
	if len(ids) == 0 && len(patterns) == 0 {
		return nil, model.Errf(model.KindValidation, "release needs ids or paths")
	}
	now := model.Now()

	// Non-owner release is forbidden without force.
	for _, id := range ids {
		r, err := e.db.GetReservation(ctx, project.ID, id)
		if model.IsKind(err, model.KindNotFound) {
			continue // tolerated: released-and-cleaned ids behave as no-ops
		}
		if err != nil {
			return nil, err
		}
		if r.Released == nil && r.AgentID != agent.ID {
			return nil, model.Errf(model.KindForbidden,
				"reservation %d is held by %s; use force_release_file_reservation", id, r.AgentName)
		}
	}

	released, err := e.db.ReleaseReservations(ctx, project.ID, ids, agent.ID, now, "")
	if err != nil {
		return nil, err
	}
	if len(patterns) > 0 {
		byPattern, err := e.db.ReleaseByPatterns(ctx, project.ID, agent.ID, patterns, now)
		if err != nil {
			return nil, err
		}
		released = append(released, byPattern...)
	}

	for i := range released {
		released[i].AgentName = agent.Name
		if err := e.writeArtifact(ctx, project, agent, &released[i], false, "release"); err != nil {
			return nil, err
		}
	}
	if len(released) > 0 {
		e.invalidate(project.ID)
	}
	return released, nil
}

// Renew extends the agent's active leases. Ids are preserved; only
// expires_us moves.
func (e *Engine) Renew(ctx context.Context, project *model.Project, agent *model.Agent, ids []int64, ttl time.Duration) ([]model.FileReservation, error) {
	if len(ids) == 0 {
		return nil, model.Errf(model.KindValidation, "renew needs ids")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := model.Now()
	renewed, err := e.db.RenewReservations(ctx, project.ID, agent.ID, ids, now.Add(ttl), now)
	if err != nil {
		return nil, err
	}
	if len(renewed) == 0 {
		return nil, model.Errf(model.KindNotFound, "no active reservations among ids %v", ids)
	}
	for i := range renewed {
		renewed[i].AgentName = agent.Name
		if err := e.writeArtifact(ctx, project, agent, &renewed[i], false, "renew"); err != nil {
			return nil, err
		}
	}
	e.invalidate(project.ID)
	return renewed, nil
}

// ForceRelease releases any agent's reservation, recording the caller's
// justification. It always produces both a system message to the original
// holder (note truncated to the note budget) and a force-released artifact.
// A reservation that is already released is returned as it is, with neither.
func (e *Engine) ForceRelease(ctx context.Context, project *model.Project, by *model.Agent, id int64, note string) (*model.FileReservation, error) {
	note = util.SafeSlice(note, config.MaxNoteBytes)
	r, err := e.db.GetReservation(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}
	released, err := e.db.ReleaseReservations(ctx, project.ID, []int64{id}, 0, model.Now(), note)
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		// Already released; surface current state without a new artifact.
		return r, nil
	}
	out := released[0]
	out.AgentName = r.AgentName

	if err := e.writeArtifact(ctx, project, by, &out, true, "force-release"); err != nil {
		return nil, err
	}
	e.invalidate(project.ID)

	if e.notifier != nil {
		subject := fmt.Sprintf("Reservation %d force-released by %s", id, by.Name)
		if err := e.notifier.SystemMessage(ctx, project, r.AgentName, subject, note); err != nil {
			e.log.Warn("force-release notice failed", "reservation", id, "err", err)
		}
	}
	return &out, nil
}

// CleanupExpired sweeps lapsed reservations, mirroring each transition into
// the archive. Called periodically by the runtime.
func (e *Engine) CleanupExpired(ctx context.Context, project *model.Project) (int, error) {
	expired, err := e.db.CleanupExpiredReservations(ctx, project.ID, model.Now())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		if a, err := e.db.AgentByID(ctx, expired[i].AgentID); err == nil {
			expired[i].AgentName = a.Name
		}
		agent := &model.Agent{ID: expired[i].AgentID, Name: expired[i].AgentName}
		if err := e.writeArtifact(ctx, project, agent, &expired[i], false, "expire"); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		e.invalidate(project.ID)
	}
	return len(expired), nil
}

func (e *Engine) writeArtifact(ctx context.Context, project *model.Project, actor *model.Agent, r *model.FileReservation, force bool, verb string) error {
	data, err := archive.RenderReservation(r, force)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, archive.Request{
		Slug:    project.Slug,
		Path:    archive.ReservationPath(r.ID),
		Data:    data,
		Author:  AgentAuthor(actor.Name),
		Message: fmt.Sprintf("%s %s (%s)", verb, strings.Join(r.Patterns, " "), actor.Name),
	})
}

func (e *Engine) invalidate(projectID int64) {
	if e.cache != nil {
		e.cache.Invalidate(cache.Dep(projectID, db.TableReservations))
	}
}

// AgentAuthor is the commit attribution for an agent's writes.
func AgentAuthor(name string) archive.Author {
	return archive.Author{
		Name:  name,
		Email: strings.ToLower(name) + "@agents.local",
	}
}

func normalizePatterns(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, model.Errf(model.KindValidation, "at least one pattern is required")
	}
	out := make([]string, 0, len(patterns))
	seen := make(map[string]bool)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, model.Errf(model.KindValidation, "empty pattern")
		}
		if strings.HasPrefix(p, "/") {
			return nil, model.Errf(model.KindValidation, "pattern %q must be project-relative", p)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}
