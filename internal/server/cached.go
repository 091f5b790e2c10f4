package server

import (
	"context"

	"github.com/Dicklesworthstone/agent-mail/internal/archive"
	"github.com/Dicklesworthstone/agent-mail/internal/cache"
	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/mail"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

// Hot read paths go through the coalescer: duplicate concurrent reads share
// one backend fetch and the result lands in the cache with its dependency
// fingerprint, so the next write to those tables invalidates it.

func (d *Dispatcher) cachedInbox(ctx context.Context, project *model.Project, agent *model.Agent, f db.InboxFilter) (any, error) {
	gen := d.rt.Cache.Generation(project.ID)
	key := cache.Key{Project: project.ID, Kind: "inbox",
		Hash: fmtKey(gen, agent.ID, f.UnreadOnly, f.UrgentOnly, f.Since, f.Limit, f.IncludeBodies)}
	deps := []string{
		cache.Dep(project.ID, db.TableMessages),
		cache.Dep(project.ID, db.TableRecipients),
	}
	return d.rt.Coalescer.Do(ctx, key, deps, inboxBytes, func(ctx context.Context) (any, error) {
		return d.rt.DB.FetchInbox(ctx, project.ID, agent.ID, f)
	})
}

func (d *Dispatcher) cachedAgents(ctx context.Context, project *model.Project) (any, error) {
	key := cache.Key{Project: project.ID, Kind: "agents", Hash: fmtKey(d.rt.Cache.Generation(project.ID))}
	deps := []string{cache.Dep(project.ID, db.TableAgents)}
	return d.rt.Coalescer.Do(ctx, key, deps, nil, func(ctx context.Context) (any, error) {
		return d.rt.DB.ListAgents(ctx, project.ID)
	})
}

func (d *Dispatcher) cachedReservations(ctx context.Context, project *model.Project) (any, error) {
	key := cache.Key{Project: project.ID, Kind: "reservations", Hash: fmtKey(d.rt.Cache.Generation(project.ID))}
	deps := []string{cache.Dep(project.ID, db.TableReservations)}
	return d.rt.Coalescer.Do(ctx, key, deps, nil, func(ctx context.Context) (any, error) {
		return d.rt.DB.ActiveReservations(ctx, project.ID, model.Now())
	})
}

func inboxBytes(v any) int64 {
	msgs, ok := v.([]model.InboxMessage)
	if !ok {
		return 0
	}
	var n int64
	for _, m := range msgs {
		n += int64(len(m.Subject) + len(m.Body) + 64)
	}
	return n
}

func (d *Dispatcher) invalidateAgents(projectID int64) {
	d.rt.Cache.Invalidate(cache.Dep(projectID, db.TableAgents))
}

func archiveRequest(slug, path string, data []byte, agentName, message string) archive.Request {
	return archive.Request{
		Slug: slug, Path: path, Data: data,
		Author: mail.AgentAuthor(agentName), Message: message,
	}
}

func buildSlotPath(name string) string {
	return archive.BuildSlotPath(name)
}
