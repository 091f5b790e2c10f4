package server

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

// resourceRoute matches one URI template, e.g. mail://inbox/{project}/{agent}.
type resourceRoute struct {
	segments []string // template segments; "{x}" binds a variable
	fn       func(ctx context.Context, vars map[string]string, query url.Values) (any, error)
}

func (d *Dispatcher) route(template string, fn func(context.Context, map[string]string, url.Values) (any, error)) {
	d.resources = append(d.resources, resourceRoute{
		segments: strings.Split(template, "/"),
		fn:       fn,
	})
}

func (d *Dispatcher) registerResources() {
	d.route("projects", d.resProjects)
	d.route("project/{slug}", d.resProject)
	d.route("agents/{project}", d.resAgents)
	d.route("agent/{project}/{name}", d.resAgent)
	d.route("inbox/{project}/{agent}", d.resInbox)
	d.route("outbox/{project}/{agent}", d.resOutbox)
	d.route("message/{project}/{id}", d.resMessage)
	d.route("thread/{project}/{thread}", d.resThread)
	d.route("threads/{project}", d.resThreads)
	d.route("reservations/{project}", d.resReservations)
	d.route("reservation/{project}/{id}", d.resReservation)
	d.route("contacts/{project}/{agent}", d.resContacts)
	d.route("build-slots/{project}", d.resBuildSlots)
	d.route("search/{project}", d.resSearch)
	d.route("acks/{project}/{agent}", d.resAcks)
	d.route("statistics/{project}", d.resStatistics)
	d.route("policies/{project}", d.resPolicies)
	d.route("metrics", d.resMetrics)
	d.route("health", d.resHealth)
	d.route("config", d.resConfig)
}

// readResource resolves a mail:// URI against the route table.
func (d *Dispatcher) readResource(ctx context.Context, uri string) (any, error) {
	trimmed := strings.TrimPrefix(uri, "mail://")
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, model.Errf(model.KindValidation, "bad resource uri %q", uri)
	}
	path := strings.Trim(u.Path, "/")
	if u.Host != "" {
		path = u.Host + "/" + path
		path = strings.Trim(path, "/")
	}
	parts := strings.Split(path, "/")

outer:
	for _, r := range d.resources {
		if len(r.segments) != len(parts) {
			continue
		}
		vars := make(map[string]string)
		for i, seg := range r.segments {
			if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
				vars[seg[1:len(seg)-1]] = parts[i]
				continue
			}
			if seg != parts[i] {
				continue outer
			}
		}
		return r.fn(ctx, vars, u.Query())
	}
	return nil, model.Errf(model.KindNotFound, "unknown resource %q", uri)
}

func (d *Dispatcher) resolveSlug(ctx context.Context, slug string) (*model.Project, error) {
	return d.project(ctx, slug)
}

func (d *Dispatcher) resProjects(ctx context.Context, _ map[string]string, _ url.Values) (any, error) {
	return d.rt.DB.ListProjects(ctx)
}

func (d *Dispatcher) resProject(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	return d.resolveSlug(ctx, vars["slug"])
}

func (d *Dispatcher) resAgents(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	return d.cachedAgents(ctx, project)
}

func (d *Dispatcher) resAgent(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	return d.agent(ctx, project, vars["name"])
}

// inboxQuery maps the shared query-string filters (pagination, since,
// limit) onto the inbox filter.
func inboxQuery(q url.Values) db.InboxFilter {
	f := db.InboxFilter{}
	f.UnreadOnly = q.Get("unread_only") == "true"
	f.UrgentOnly = q.Get("urgent_only") == "true"
	if v, err := strconv.ParseInt(q.Get("since"), 10, 64); err == nil {
		f.Since = model.Micros(v)
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	f.IncludeBodies = q.Get("include_bodies") == "true"
	return f
}

func (d *Dispatcher) resInbox(ctx context.Context, vars map[string]string, q url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, vars["agent"])
	if err != nil {
		return nil, err
	}
	return d.cachedInbox(ctx, project, agent, inboxQuery(q))
}

func (d *Dispatcher) resOutbox(ctx context.Context, vars map[string]string, q url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, vars["agent"])
	if err != nil {
		return nil, err
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	return d.rt.DB.Outbox(ctx, project.ID, agent.ID, limit)
}

func (d *Dispatcher) resMessage(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		return nil, model.Errf(model.KindValidation, "bad message id %q", vars["id"])
	}
	return d.rt.DB.GetMessage(ctx, project.ID, id)
}

func (d *Dispatcher) resThread(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	msgs, err := d.rt.DB.ThreadMessages(ctx, project.ID, vars["thread"])
	if err != nil {
		return nil, err
	}
	summary, err := d.rt.DB.SummarizeThread(ctx, project.ID, vars["thread"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary, "messages": msgs}, nil
}

func (d *Dispatcher) resThreads(ctx context.Context, vars map[string]string, q url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	return d.rt.DB.ListThreads(ctx, project.ID, limit)
}

func (d *Dispatcher) resReservations(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	return d.cachedReservations(ctx, project)
}

func (d *Dispatcher) resReservation(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		return nil, model.Errf(model.KindValidation, "bad reservation id %q", vars["id"])
	}
	return d.rt.DB.GetReservation(ctx, project.ID, id)
}

func (d *Dispatcher) resContacts(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, vars["agent"])
	if err != nil {
		return nil, err
	}
	return d.rt.DB.ContactsOf(ctx, project.ID, agent.ID)
}

func (d *Dispatcher) resBuildSlots(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	return d.rt.DB.ListBuildSlots(ctx, project.ID, model.Now())
}

func (d *Dispatcher) resSearch(ctx context.Context, vars map[string]string, q url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	var since model.Micros
	if v, err := strconv.ParseInt(q.Get("since"), 10, 64); err == nil {
		since = model.Micros(v)
	}
	return d.rt.DB.SearchMessages(ctx, project.ID, q.Get("q"), db.SearchFilter{
		Sender: q.Get("sender"), Importance: q.Get("importance"),
		Since: since, Limit: limit, Offset: offset,
	})
}

func (d *Dispatcher) resAcks(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, vars["agent"])
	if err != nil {
		return nil, err
	}
	return d.rt.DB.UnackedDeliveries(ctx, project.ID, agent.ID)
}

func (d *Dispatcher) resStatistics(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	count, err := d.rt.DB.MessageCount(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	agents, err := d.rt.DB.ListAgents(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	reservations, err := d.rt.DB.ActiveReservations(ctx, project.ID, model.Now())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"project":             project.Slug,
		"messages":            count,
		"agents":              len(agents),
		"active_reservations": len(reservations),
	}, nil
}

func (d *Dispatcher) resPolicies(ctx context.Context, vars map[string]string, _ url.Values) (any, error) {
	project, err := d.resolveSlug(ctx, vars["project"])
	if err != nil {
		return nil, err
	}
	agents, err := d.rt.DB.ListAgents(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	policies := make(map[string]string, len(agents))
	for _, a := range agents {
		policies[a.Name] = string(a.Policy)
	}
	return policies, nil
}

func (d *Dispatcher) resMetrics(ctx context.Context, _ map[string]string, _ url.Values) (any, error) {
	return map[string]any{
		"cache": d.rt.Cache.Snapshot(),
		"queue": d.rt.Queue.Snapshot(),
	}, nil
}

func (d *Dispatcher) resHealth(ctx context.Context, _ map[string]string, _ url.Values) (any, error) {
	return d.healthCheck(ctx, nil)
}

func (d *Dispatcher) resConfig(_ context.Context, _ map[string]string, _ url.Values) (any, error) {
	// Secrets stay out; this is the operator-visible subset.
	cfg := d.rt.Cfg
	return map[string]any{
		"host":                 cfg.Host,
		"port":                 cfg.Port,
		"storage_root":         cfg.StorageRoot,
		"database_url":         cfg.DatabaseURL,
		"guard_mode":           cfg.GuardMode,
		"allow_absolute_paths": cfg.AllowAbsolutePaths,
		"auto_contact_links":   cfg.AutoContactLinks,
	}, nil
}
