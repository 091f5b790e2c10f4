package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/guard"
	"github.com/Dicklesworthstone/agent-mail/internal/mail"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/util"
)

func (d *Dispatcher) registerTools() {
	// identity
	d.tools["ensure_project"] = d.ensureProject
	d.tools["register_agent"] = d.registerAgent
	d.tools["create_agent_identity"] = d.createAgentIdentity
	d.tools["whois"] = d.whois
	d.tools["list_agents"] = d.listAgents
	d.tools["update_agent_status"] = d.updateAgentStatus
	d.tools["set_contact_policy"] = d.setContactPolicy

	// messaging
	d.tools["send_message"] = d.sendMessage
	d.tools["broadcast_message"] = d.broadcastMessage
	d.tools["reply_message"] = d.replyMessage
	d.tools["fetch_inbox"] = d.fetchInbox
	d.tools["get_message"] = d.getMessage
	d.tools["mark_message_read"] = d.markMessageRead
	d.tools["acknowledge_message"] = d.acknowledgeMessage

	// contacts
	d.tools["request_contact"] = d.requestContact
	d.tools["respond_contact"] = d.respondContact
	d.tools["list_contacts"] = d.listContacts

	// reservations
	d.tools["reserve_paths"] = d.reservePaths
	d.tools["release_reservations"] = d.releaseReservations
	d.tools["renew_reservations"] = d.renewReservations
	d.tools["list_file_reservations"] = d.listFileReservations
	d.tools["force_release_file_reservation"] = d.forceRelease
	d.tools["check_conflicts"] = d.checkConflicts
	d.tools["get_reservation"] = d.getReservation

	// search
	d.tools["search_messages"] = d.searchMessages
	d.tools["summarize_thread"] = d.summarizeThread
	d.tools["list_threads"] = d.listThreads

	// macros
	d.tools["macro_start_session"] = d.macroStartSession
	d.tools["macro_prepare_thread"] = d.macroPrepareThread
	d.tools["macro_contact_handshake"] = d.macroContactHandshake

	// build slots
	d.tools["acquire_build_slot"] = d.acquireBuildSlot
	d.tools["renew_build_slot"] = d.renewBuildSlot
	d.tools["release_build_slot"] = d.releaseBuildSlot

	// infrastructure
	d.tools["install_precommit_guard"] = d.installPrecommitGuard
	d.tools["uninstall_precommit_guard"] = d.uninstallPrecommitGuard
	d.tools["health_check"] = d.healthCheck
}

func (d *Dispatcher) ensureProject(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		HumanKey string `json:"human_key"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.rt.DB.EnsureProject(ctx, p.HumanKey)
}

type registerParams struct {
	ProjectKey      string `json:"project_key"`
	Name            string `json:"name"`
	NameHint        string `json:"name_hint"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description"`
}

func (d *Dispatcher) registerAgent(ctx context.Context, raw json.RawMessage) (any, error) {
	var p registerParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.rt.DB.EnsureProject(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, model.Errf(model.KindValidation, "name is required; use create_agent_identity for a generated one")
	}
	agent, err := d.rt.DB.RegisterAgent(ctx, project.ID, p.Name, p.Program, p.Model, p.TaskDescription)
	if err != nil {
		return nil, err
	}
	d.invalidateAgents(project.ID)
	return agent, nil
}

func (d *Dispatcher) createAgentIdentity(ctx context.Context, raw json.RawMessage) (any, error) {
	var p registerParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.rt.DB.EnsureProject(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	name := p.NameHint
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 0; ; attempt++ {
		if name == "" || !util.ValidAgentName(name) {
			name = util.GenerateAgentName(rng)
		}
		if _, err := d.rt.DB.AgentByName(ctx, project.ID, name); model.IsKind(err, model.KindNotFound) {
			break
		}
		if attempt > 64 {
			return nil, model.Errf(model.KindConflict, "could not find a free agent name")
		}
		name = ""
	}
	agent, err := d.rt.DB.RegisterAgent(ctx, project.ID, name, p.Program, p.Model, p.TaskDescription)
	if err != nil {
		return nil, err
	}
	d.invalidateAgents(project.ID)
	return agent, nil
}

type whoisParams struct {
	ProjectKey           string `json:"project_key"`
	AgentName            string `json:"agent_name"`
	IncludeRecentCommits bool   `json:"include_recent_commits"`
}

func (d *Dispatcher) whois(ctx context.Context, raw json.RawMessage) (any, error) {
	var p whoisParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"agent": agent}
	if p.IncludeRecentCommits {
		repo, err := d.rt.Archive.Repo(project.Slug)
		if err == nil {
			if paths, err := repo.LogPaths(20); err == nil {
				out["recent_paths"] = paths
			}
		}
	}
	reservations, err := d.rt.DB.ReservationsOf(ctx, project.ID, agent.ID)
	if err == nil {
		out["reservations"] = reservations
	}
	return out, nil
}

func (d *Dispatcher) listAgents(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	return d.cachedAgents(ctx, project)
}

func (d *Dispatcher) updateAgentStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		Status     string `json:"status"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	if err := d.rt.DB.UpdateAgentStatus(ctx, agent.ID, p.Status); err != nil {
		return nil, err
	}
	d.invalidateAgents(project.ID)
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) setContactPolicy(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		Policy     string `json:"policy"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	if err := d.rt.DB.SetContactPolicy(ctx, agent.ID, model.ContactPolicy(p.Policy)); err != nil {
		return nil, err
	}
	d.invalidateAgents(project.ID)
	return map[string]any{"ok": true}, nil
}

type sendParams struct {
	ProjectKey  string   `json:"project_key"`
	SenderName  string   `json:"sender_name"`
	To          []string `json:"to"`
	Cc          []string `json:"cc"`
	Bcc         []string `json:"bcc"`
	Subject     string   `json:"subject"`
	BodyMD      string   `json:"body_md"`
	Importance  string   `json:"importance"`
	AckRequired bool     `json:"ack_required"`
	AckDeadline *int64   `json:"ack_deadline_us"`
	ThreadID    string   `json:"thread_id"`
	Broadcast   bool     `json:"broadcast"`
	Attachments []string `json:"attachments"`
}

func (p sendParams) input(project *model.Project) mail.SendInput {
	in := mail.SendInput{
		Project: project, SenderName: p.SenderName,
		To: p.To, Cc: p.Cc, Bcc: p.Bcc,
		Subject: p.Subject, Body: p.BodyMD, Importance: p.Importance,
		AckRequired: p.AckRequired, ThreadID: p.ThreadID,
		Broadcast: p.Broadcast, Attachments: p.Attachments,
	}
	if p.AckDeadline != nil {
		v := model.Micros(*p.AckDeadline)
		in.AckDeadline = &v
	}
	return in
}

func (d *Dispatcher) sendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	return d.rt.Mail.Send(ctx, p.input(project))
}

func (d *Dispatcher) broadcastMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	in := p.input(project)
	in.Broadcast = true
	return d.rt.Mail.Send(ctx, in)
}

func (d *Dispatcher) replyMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		sendParams
		MessageID int64 `json:"message_id"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	return d.rt.Mail.Reply(ctx, project, p.SenderName, p.MessageID, p.input(project))
}

type inboxParams struct {
	ProjectKey    string `json:"project_key"`
	AgentName     string `json:"agent_name"`
	UnreadOnly    bool   `json:"unread_only"`
	UrgentOnly    bool   `json:"urgent_only"`
	Since         int64  `json:"since_us"`
	Limit         int    `json:"limit"`
	IncludeBodies bool   `json:"include_bodies"`
}

func (d *Dispatcher) fetchInbox(ctx context.Context, raw json.RawMessage) (any, error) {
	var p inboxParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	return d.cachedInbox(ctx, project, agent, db.InboxFilter{
		UnreadOnly: p.UnreadOnly, UrgentOnly: p.UrgentOnly,
		Since: model.Micros(p.Since), Limit: p.Limit, IncludeBodies: p.IncludeBodies,
	})
}

func (d *Dispatcher) getMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		MessageID  int64  `json:"message_id"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	msg, err := d.rt.DB.GetMessage(ctx, project.ID, p.MessageID)
	if err != nil {
		return nil, err
	}
	deliveries, err := d.rt.DB.Recipients(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": msg, "deliveries": deliveries}, nil
}

func (d *Dispatcher) markMessageRead(ctx context.Context, raw json.RawMessage) (any, error) {
	return d.stampDelivery(ctx, raw, d.rt.Mail.MarkRead)
}

func (d *Dispatcher) acknowledgeMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	return d.stampDelivery(ctx, raw, d.rt.Mail.Acknowledge)
}

func (d *Dispatcher) stampDelivery(ctx context.Context, raw json.RawMessage, stamp func(context.Context, *model.Project, string, int64) (bool, error)) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		MessageID  int64  `json:"message_id"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	updated, err := stamp(ctx, project, p.AgentName, p.MessageID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": updated}, nil
}

func (d *Dispatcher) requestContact(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		FromAgent  string `json:"from_agent"`
		ToAgent    string `json:"to_agent"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	from, err := d.agent(ctx, project, p.FromAgent)
	if err != nil {
		return nil, err
	}
	to, err := d.agent(ctx, project, p.ToAgent)
	if err != nil {
		return nil, err
	}
	link, err := d.rt.DB.UpsertContactLink(ctx, from.ProjectID, from.ID, to.ProjectID, to.ID, model.ContactRequested)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (d *Dispatcher) respondContact(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		FromAgent  string `json:"from_agent"` // original requester
		ToAgent    string `json:"to_agent"`   // responder
		Accept     bool   `json:"accept"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	if err := d.rt.Mail.ApproveContact(ctx, project, p.FromAgent, p.ToAgent, p.Accept); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) listContacts(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	return d.rt.DB.ContactsOf(ctx, project.ID, agent.ID)
}

type reserveParams struct {
	ProjectKey string   `json:"project_key"`
	AgentName  string   `json:"agent_name"`
	Paths      []string `json:"paths"`
	TTLSeconds int64    `json:"ttl_seconds"`
	Exclusive  *bool    `json:"exclusive"`
	Reason     string   `json:"reason"`
}

func (d *Dispatcher) reservePaths(ctx context.Context, raw json.RawMessage) (any, error) {
	var p reserveParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	exclusive := true
	if p.Exclusive != nil {
		exclusive = *p.Exclusive
	}
	granted, err := d.rt.Resv.Reserve(ctx, project, agent,
		p.Paths, time.Duration(p.TTLSeconds)*time.Second, exclusive, p.Reason)
	if err != nil {
		return nil, err
	}
	return granted, nil
}

func (d *Dispatcher) releaseReservations(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string   `json:"project_key"`
		AgentName  string   `json:"agent_name"`
		IDs        []int64  `json:"file_reservation_ids"`
		Paths      []string `json:"file_reservation_paths"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	released, err := d.rt.Resv.Release(ctx, project, agent, p.IDs, p.Paths)
	if err != nil {
		return nil, err
	}
	return map[string]any{"released": released, "count": len(released)}, nil
}

func (d *Dispatcher) renewReservations(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey    string  `json:"project_key"`
		AgentName     string  `json:"agent_name"`
		IDs           []int64 `json:"file_reservation_ids"`
		ExtendSeconds int64   `json:"extend_seconds"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	renewed, err := d.rt.Resv.Renew(ctx, project, agent, p.IDs, time.Duration(p.ExtendSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return map[string]any{"renewed": renewed}, nil
}

func (d *Dispatcher) listFileReservations(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		AllAgents  bool   `json:"all_agents"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	if p.AllAgents || p.AgentName == "" {
		return d.cachedReservations(ctx, project)
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	return d.rt.DB.ReservationsOf(ctx, project.ID, agent.ID)
}

func (d *Dispatcher) forceRelease(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"` // the agent forcing the release
		ID         int64  `json:"file_reservation_id"`
		Note       string `json:"note"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := d.agent(ctx, project, p.AgentName)
	if err != nil {
		return nil, err
	}
	return d.rt.Resv.ForceRelease(ctx, project, agent, p.ID, p.Note)
}

func (d *Dispatcher) checkConflicts(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string   `json:"project_key"`
		AgentName  string   `json:"agent_name"`
		Paths      []string `json:"paths"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	var agentID int64
	if p.AgentName != "" {
		agent, err := d.agent(ctx, project, p.AgentName)
		if err != nil {
			return nil, err
		}
		agentID = agent.ID
	}
	conflicts, err := d.rt.Resv.CheckConflicts(ctx, project, agentID, p.Paths)
	if err != nil {
		return nil, err
	}
	return map[string]any{"conflicts": conflicts}, nil
}

func (d *Dispatcher) getReservation(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		ID         int64  `json:"file_reservation_id"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	return d.rt.DB.GetReservation(ctx, project.ID, p.ID)
}

func (d *Dispatcher) searchMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		Query      string `json:"query"`
		Sender     string `json:"sender"`
		Importance string `json:"importance"`
		Since      int64  `json:"since_us"`
		Limit      int    `json:"limit"`
		Offset     int    `json:"offset"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	results, err := d.rt.DB.SearchMessages(ctx, project.ID, p.Query, db.SearchFilter{
		Sender: p.Sender, Importance: p.Importance,
		Since: model.Micros(p.Since), Limit: p.Limit, Offset: p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

func (d *Dispatcher) summarizeThread(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		ThreadID   string `json:"thread_id"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	return d.rt.DB.SummarizeThread(ctx, project.ID, p.ThreadID)
}

func (d *Dispatcher) listThreads(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		Limit      int    `json:"limit"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	return d.rt.DB.ListThreads(ctx, project.ID, p.Limit)
}

func (d *Dispatcher) macroStartSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		registerParams
		Paths      []string `json:"paths"`
		TTLSeconds int64    `json:"ttl_seconds"`
		InboxLimit int      `json:"inbox_limit"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.rt.DB.EnsureProject(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		res, err := d.createAgentIdentity(ctx, raw)
		if err != nil {
			return nil, err
		}
		agent := res.(*model.Agent)
		name = agent.Name
	} else {
		if _, err := d.rt.DB.RegisterAgent(ctx, project.ID, name, p.Program, p.Model, p.TaskDescription); err != nil {
			return nil, err
		}
	}
	agent, err := d.rt.DB.AgentByName(ctx, project.ID, name)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"project": project, "agent": agent}
	if len(p.Paths) > 0 {
		granted, err := d.rt.Resv.Reserve(ctx, project, agent,
			p.Paths, time.Duration(p.TTLSeconds)*time.Second, true, "session start")
		if err != nil {
			if model.IsKind(err, model.KindConflict) {
				out["file_reservations"] = map[string]any{"granted": nil, "conflict": toProtocolError(err)}
			} else {
				return nil, err
			}
		} else {
			out["file_reservations"] = map[string]any{"granted": []any{granted}}
		}
	}
	inbox, err := d.rt.DB.FetchInbox(ctx, project.ID, agent.ID, db.InboxFilter{Limit: p.InboxLimit})
	if err != nil {
		return nil, err
	}
	out["inbox"] = inbox
	return out, nil
}

func (d *Dispatcher) macroPrepareThread(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string   `json:"project_key"`
		SenderName string   `json:"sender_name"`
		To         []string `json:"to"`
		Subject    string   `json:"subject"`
		BodyMD     string   `json:"body_md"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	threadID := mail.NewThreadID()
	res, err := d.rt.Mail.Send(ctx, mail.SendInput{
		Project: project, SenderName: p.SenderName, To: p.To,
		Subject: p.Subject, Body: p.BodyMD, ThreadID: threadID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"thread_id": threadID, "message": res.Message, "deliveries": res.Delivered}, nil
}

func (d *Dispatcher) macroContactHandshake(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		FromAgent  string `json:"from_agent"`
		ToAgent    string `json:"to_agent"`
		AutoAccept bool   `json:"auto_accept"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, err := d.project(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	from, err := d.agent(ctx, project, p.FromAgent)
	if err != nil {
		return nil, err
	}
	to, err := d.agent(ctx, project, p.ToAgent)
	if err != nil {
		return nil, err
	}
	status := model.ContactRequested
	if p.AutoAccept {
		status = model.ContactActive
	}
	link, err := d.rt.DB.UpsertContactLink(ctx, from.ProjectID, from.ID, to.ProjectID, to.ID, status)
	if err != nil {
		return nil, err
	}
	if p.AutoAccept {
		if _, err := d.rt.DB.ReleasePending(ctx, from.ID, to.ID); err != nil {
			return nil, err
		}
	}
	return link, nil
}

func (d *Dispatcher) acquireBuildSlot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		Slot       string `json:"slot"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, agent, err := d.projectAgent(ctx, p.ProjectKey, p.AgentName)
	if err != nil {
		return nil, err
	}
	if p.Slot == "" {
		return nil, model.Errf(model.KindValidation, "slot name is required")
	}
	ttl := time.Duration(p.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := model.Now()
	slot, err := d.rt.DB.AcquireBuildSlot(ctx, project.ID, agent.ID, p.Slot, now, now.Add(ttl))
	if err != nil {
		return nil, err
	}
	slot.AgentName = agent.Name
	d.writeBuildSlotArtifact(ctx, project, agent, slot)
	return slot, nil
}

func (d *Dispatcher) renewBuildSlot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		Slot       string `json:"slot"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, agent, err := d.projectAgent(ctx, p.ProjectKey, p.AgentName)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(p.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := model.Now()
	if err := d.rt.DB.RenewBuildSlot(ctx, project.ID, agent.ID, p.Slot, now, now.Add(ttl)); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) releaseBuildSlot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey string `json:"project_key"`
		AgentName  string `json:"agent_name"`
		Slot       string `json:"slot"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, agent, err := d.projectAgent(ctx, p.ProjectKey, p.AgentName)
	if err != nil {
		return nil, err
	}
	released, err := d.rt.DB.ReleaseBuildSlot(ctx, project.ID, agent.ID, p.Slot, model.Now())
	if err != nil {
		return nil, err
	}
	return map[string]any{"released": released}, nil
}

func (d *Dispatcher) writeBuildSlotArtifact(ctx context.Context, project *model.Project, agent *model.Agent, slot *model.BuildSlot) {
	data, err := json.MarshalIndent(slot, "", "  ")
	if err != nil {
		return
	}
	err = d.rt.Queue.Enqueue(ctx, archiveRequest(project.Slug, buildSlotPath(slot.Name), data,
		agent.Name, fmt.Sprintf("build slot %s (%s)", slot.Name, agent.Name)))
	if err != nil {
		d.rt.Log.Warn("build slot artifact enqueue failed", "slot", slot.Name, "err", err)
	}
}

func (d *Dispatcher) installPrecommitGuard(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ProjectKey   string `json:"project_key"`
		AgentName    string `json:"agent_name"`
		CodeRepoPath string `json:"code_repo_path"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	project, agent, err := d.projectAgent(ctx, p.ProjectKey, p.AgentName)
	if err != nil {
		return nil, err
	}
	repoPath := p.CodeRepoPath
	if repoPath == "" {
		repoPath = project.HumanKey
	}
	binary, err := os.Executable()
	if err != nil {
		return nil, model.Wrap(model.KindIO, err, "resolve server binary")
	}
	opts := guard.Options{
		RepoPath:    repoPath,
		StorageRoot: d.rt.Cfg.StorageRoot,
		DBPath:      d.rt.Cfg.DatabaseURL,
		ProjectSlug: project.Slug,
		AgentName:   agent.Name,
		Mode:        guard.Mode(d.rt.Cfg.GuardMode),
	}
	if err := guard.InstallHook(repoPath, binary, opts); err != nil {
		return nil, err
	}
	return map[string]any{"installed": true, "repo": repoPath}, nil
}

func (d *Dispatcher) uninstallPrecommitGuard(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		CodeRepoPath string `json:"code_repo_path"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.CodeRepoPath == "" {
		return nil, model.Errf(model.KindValidation, "code_repo_path is required")
	}
	if err := guard.UninstallHook(p.CodeRepoPath); err != nil {
		return nil, err
	}
	return map[string]any{"installed": false}, nil
}

func (d *Dispatcher) healthCheck(ctx context.Context, _ json.RawMessage) (any, error) {
	if _, err := d.rt.DB.ListProjects(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "ok",
		"started_us": int64(d.rt.Started),
		"queue":      d.rt.Queue.Snapshot(),
	}, nil
}

func (d *Dispatcher) projectAgent(ctx context.Context, projectKey, agentName string) (*model.Project, *model.Agent, error) {
	project, err := d.project(ctx, projectKey)
	if err != nil {
		return nil, nil, err
	}
	agent, err := d.agent(ctx, project, agentName)
	if err != nil {
		return nil, nil, err
	}
	return project, agent, nil
}
