// Package mail implements the messaging pipeline: recipient resolution,
// contact policy, fan-out, acknowledgement bookkeeping, and the archive
// mirrors. send_message and reply_message share the one pipeline.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/agent-mail/internal/archive"
	"github.com/Dicklesworthstone/agent-mail/internal/cache"
	"github.com/Dicklesworthstone/agent-mail/internal/config"
	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/util"
)

// systemAgent is the reserved identity for server-generated messages
// (force-release notices and contact-request prompts).
const systemAgent = "SilverSentinel"

// Pipeline wires the index, the archive queue, and the cache.
type Pipeline struct {
	db    *db.Store
	arch  *archive.Store
	queue *archive.Queue
	cache *cache.Cache
	log   *slog.Logger

	// AutoContactLinks makes the "auto" policy create an active link on
	// first successful delivery.
	AutoContactLinks bool
}

// NewPipeline builds the messaging pipeline. cache may be nil.
func NewPipeline(store *db.Store, arch *archive.Store, queue *archive.Queue, c *cache.Cache, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{db: store, arch: arch, queue: queue, cache: c, log: log}
}

// SendInput is the shared parameter set of send_message and reply_message.
type SendInput struct {
	Project     *model.Project
	SenderName  string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Importance  string
	AckRequired bool
	AckDeadline *model.Micros
	ThreadID    string
	ReplyToID   *int64
	Broadcast   bool
	Attachments []string
}

// SendResult reports what happened to each recipient.
type SendResult struct {
	Message   model.Message    `json:"message"`
	Delivered []model.Delivery `json:"deliveries"`
	// Held lists recipients whose require_approval policy parked the
	// delivery behind a contact request.
	Held []string `json:"held,omitempty"`
	// Dropped lists broadcast recipients removed by restrictive policies.
	Dropped []string `json:"dropped,omitempty"`
}

type resolvedRecipient struct {
	agent   *model.Agent
	kind    string
	pending bool
}

// Send runs the full pipeline.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	sender, err := p.db.AgentByName(ctx, in.Project.ID, in.SenderName)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, model.Errf(model.KindNotFound, "sender %q is not registered in %s", in.SenderName, in.Project.Slug)
		}
		return nil, err
	}

	if strings.TrimSpace(in.Subject) == "" {
		return nil, model.Errf(model.KindValidation, "subject is required")
	}
	if in.Importance == "" {
		in.Importance = model.ImportanceNormal
	}
	if !model.ValidImportance(in.Importance) {
		return nil, model.Errf(model.KindValidation, "importance %q: want normal, high, or urgent", in.Importance)
	}
	in.Subject = util.SafeSlice(in.Subject, config.MaxSubjectBytes)
	in.Body = util.SafeSlice(in.Body, config.MaxBodyBytes)

	if in.Broadcast {
		return p.sendBroadcast(ctx, sender, in)
	}
	if len(in.To) == 0 {
		return nil, model.Errf(model.KindValidation, "at least one recipient is required")
	}

	resolved, err := p.resolveRecipients(ctx, sender, in, false)
	if err != nil {
		return nil, err
	}
	return p.deliver(ctx, sender, in, resolved, nil)
}

// sendBroadcast addresses every active agent except the sender. Recipients
// whose policy refuses the sender are dropped, not fatal; an empty surviving
// set is BROADCAST_EMPTY (distinct from the missing-recipients validation).
func (p *Pipeline) sendBroadcast(ctx context.Context, sender *model.Agent, in SendInput) (*SendResult, error) {
	agents, err := p.db.ActiveAgents(ctx, in.Project.ID)
	if err != nil {
		return nil, err
	}
	var resolved []resolvedRecipient
	var dropped []string
	for i := range agents {
		a := &agents[i]
		if a.ID == sender.ID || a.Name == systemAgent {
			continue
		}
		verdict, err := p.applyPolicy(ctx, sender, a, in, false)
		if err != nil {
			return nil, err
		}
		if verdict == policyAllow {
			resolved = append(resolved, resolvedRecipient{agent: a, kind: model.FieldTo})
		} else {
			// Restrictive policies drop the recipient from the distribution
			// list instead of failing the call.
			dropped = append(dropped, a.Name)
		}
	}
	if len(resolved) == 0 {
		return nil, model.Errf(model.KindBroadcastEmpty, "no eligible recipients after policy filtering").
			WithDetail("dropped", dropped)
	}
	return p.deliver(ctx, sender, in, resolved, dropped)
}

type policyVerdict int

const (
	policyAllow policyVerdict = iota
	policyHold
	policyDeny
)

// applyPolicy evaluates the recipient's contact policy (the recipient's,
// never the sender's).
func (p *Pipeline) applyPolicy(ctx context.Context, sender, recipient *model.Agent, in SendInput, isReply bool) (policyVerdict, error) {
	switch recipient.Policy {
	case model.PolicyOpen:
		return policyAllow, nil
	case model.PolicyAuto, "":
		if p.AutoContactLinks {
			if _, err := p.db.UpsertContactLink(ctx, sender.ProjectID, sender.ID,
				recipient.ProjectID, recipient.ID, model.ContactActive); err != nil {
				return policyDeny, err
			}
		}
		return policyAllow, nil
	case model.PolicyContactsOnly:
		if p.hasActiveLink(ctx, sender, recipient) {
			return policyAllow, nil
		}
		// Thread participation bypasses the link requirement only for
		// recipients already on the thread.
		if isReply && in.ThreadID != "" && p.isThreadParticipant(ctx, in.Project.ID, in.ThreadID, recipient.Name) {
			return policyAllow, nil
		}
		return policyDeny, nil
	case model.PolicyRequireApproval:
		if p.hasActiveLink(ctx, sender, recipient) {
			return policyAllow, nil
		}
		return policyHold, nil
	case model.PolicyBlockAll:
		return policyDeny, nil
	default:
		return policyDeny, model.Errf(model.KindValidation, "agent %s has unknown policy %q", recipient.Name, recipient.Policy)
	}
}

func (p *Pipeline) hasActiveLink(ctx context.Context, a, b *model.Agent) bool {
	link, err := p.db.ContactLink(ctx, a.ProjectID, a.ID, b.ProjectID, b.ID)
	return err == nil && link.Status == model.ContactActive
}

func (p *Pipeline) isThreadParticipant(ctx context.Context, projectID int64, threadID, name string) bool {
	sum, err := p.db.SummarizeThread(ctx, projectID, threadID)
	if err != nil {
		return false
	}
	for _, participant := range sum.Participants {
		if participant == name {
			return true
		}
	}
	return false
}

// resolveRecipients normalizes and deduplicates To/Cc/Bcc (To wins over Cc
// over Bcc), resolves each name, and applies the recipient's policy.
func (p *Pipeline) resolveRecipients(ctx context.Context, sender *model.Agent, in SendInput, isReply bool) ([]resolvedRecipient, error) {
	type fieldList struct {
		kind  string
		names []string
	}
	var resolved []resolvedRecipient
	seen := make(map[string]bool)
	for _, fl := range []fieldList{{model.FieldTo, in.To}, {model.FieldCc, in.Cc}, {model.FieldBcc, in.Bcc}} {
		for _, raw := range fl.names {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			agent, err := p.db.AgentByName(ctx, in.Project.ID, name)
			if err != nil {
				if model.IsKind(err, model.KindNotFound) {
					return nil, model.Errf(model.KindNotFound, "recipient %q is not registered in %s", name, in.Project.Slug)
				}
				return nil, err
			}
			verdict, err := p.applyPolicy(ctx, sender, agent, in, isReply)
			if err != nil {
				return nil, err
			}
			switch verdict {
			case policyDeny:
				return nil, model.Errf(model.KindForbidden,
					"agent %s does not accept messages from %s", name, sender.Name).
					WithDetail("policy", string(agent.Policy))
			case policyHold:
				if err := p.issueContactRequest(ctx, sender, agent, in.Project); err != nil {
					return nil, err
				}
				resolved = append(resolved, resolvedRecipient{agent: agent, kind: fl.kind, pending: true})
			default:
				resolved = append(resolved, resolvedRecipient{agent: agent, kind: fl.kind})
			}
		}
	}
	if len(resolved) == 0 {
		return nil, model.Errf(model.KindValidation, "at least one recipient is required")
	}
	return resolved, nil
}

// issueContactRequest records the pending pair and prompts the recipient.
func (p *Pipeline) issueContactRequest(ctx context.Context, sender, recipient *model.Agent, project *model.Project) error {
	link, err := p.db.UpsertContactLink(ctx, sender.ProjectID, sender.ID,
		recipient.ProjectID, recipient.ID, model.ContactRequested)
	if err != nil {
		return err
	}
	if link.Status != model.ContactRequested {
		return nil // already active or blocked; nothing to prompt
	}
	body := fmt.Sprintf("%s wants to send you messages. Approve with respond_contact.", sender.Name)
	return p.SystemMessage(ctx, project, recipient.Name, "Contact request from "+sender.Name, body)
}

// deliver inserts the message and deliveries, mirrors them into the archive
// through the write-behind queue, and publishes invalidation.
func (p *Pipeline) deliver(ctx context.Context, sender *model.Agent, in SendInput, resolved []resolvedRecipient, dropped []string) (*SendResult, error) {
	var threadID *string
	if in.ThreadID != "" {
		t := util.SafeSlice(in.ThreadID, 256)
		threadID = &t
	}

	nm := db.NewMessage{
		ProjectID:   in.Project.ID,
		SenderID:    sender.ID,
		Subject:     in.Subject,
		Body:        in.Body,
		Importance:  in.Importance,
		ThreadID:    threadID,
		ReplyToID:   in.ReplyToID,
		AckRequired: in.AckRequired,
		AckDeadline: in.AckDeadline,
	}
	for _, r := range resolved {
		nm.Recipients = append(nm.Recipients, db.NewRecipient{
			AgentID: r.agent.ID, Kind: r.kind, Pending: r.pending,
		})
	}
	id, created, err := p.db.InsertMessage(ctx, nm)
	if err != nil {
		return nil, err
	}

	msg := model.Message{
		ID: id, ProjectID: in.Project.ID, SenderID: sender.ID, From: sender.Name,
		Subject: in.Subject, Body: in.Body, Importance: in.Importance,
		ThreadID: threadID, ReplyToID: in.ReplyToID, Created: created,
		AckRequired: in.AckRequired, AckDeadline: in.AckDeadline,
	}

	repo, err := p.arch.Repo(in.Project.Slug)
	if err != nil {
		return nil, err
	}
	for _, src := range in.Attachments {
		rel, size, err := p.arch.StoreAttachment(repo, src, id)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.InsertAttachment(ctx, id, "", size, rel); err != nil {
			return nil, err
		}
	}

	var to, cc, bcc []string
	result := &SendResult{Message: msg, Dropped: dropped}
	for _, r := range resolved {
		d := model.Delivery{
			MessageID: id, AgentID: r.agent.ID, AgentName: r.agent.Name,
			Field: r.kind, Pending: r.pending,
		}
		result.Delivered = append(result.Delivered, d)
		if r.pending {
			result.Held = append(result.Held, r.agent.Name)
			continue
		}
		switch r.kind {
		case model.FieldCc:
			cc = append(cc, r.agent.Name)
		case model.FieldBcc:
			bcc = append(bcc, r.agent.Name)
		default:
			to = append(to, r.agent.Name)
		}
	}

	rendered := archive.RenderMessage(&msg, in.Project.Slug, to, cc, bcc)
	author := AgentAuthor(sender.Name)
	commitMsg := fmt.Sprintf("mail %d from %s: %s", id, sender.Name, util.Truncate(in.Subject, 72))

	writes := []archive.Request{
		{Slug: in.Project.Slug, Path: archive.MessagePath(created, id), Data: rendered, Author: author, Message: commitMsg},
		{Slug: in.Project.Slug, Path: archive.OutboxPath(sender.Name, id), Data: rendered, Author: author, Message: commitMsg},
	}
	for _, r := range resolved {
		if r.pending {
			continue
		}
		writes = append(writes, archive.Request{
			Slug: in.Project.Slug, Path: archive.InboxPath(r.agent.Name, id),
			Data: rendered, Author: author, Message: commitMsg,
			Inboxes: []string{r.agent.Name},
		})
	}
	for _, w := range writes {
		if err := p.queue.Enqueue(ctx, w); err != nil {
			return nil, err
		}
	}

	p.invalidate(in.Project.ID)
	_ = p.db.TouchAgent(ctx, sender.ID)
	return result, nil
}

// Reply validates the parent, carries its thread, and prefixes the subject
// with the reply marker when missing. With no explicit recipients, the reply
// goes to the parent's sender.
func (p *Pipeline) Reply(ctx context.Context, project *model.Project, senderName string, messageID int64, in SendInput) (*SendResult, error) {
	parent, err := p.db.GetMessage(ctx, project.ID, messageID)
	if err != nil {
		return nil, err
	}

	in.Project = project
	in.SenderName = senderName
	in.ReplyToID = &messageID
	if in.ThreadID == "" {
		if parent.ThreadID != nil {
			in.ThreadID = *parent.ThreadID
		} else {
			in.ThreadID = fmt.Sprintf("msg-%d", parent.ID)
		}
	}
	if in.Subject == "" {
		in.Subject = parent.Subject
	}
	if !strings.HasPrefix(strings.ToLower(in.Subject), "re:") {
		in.Subject = "Re: " + in.Subject
	}
	if len(in.To) == 0 {
		if parent.From != senderName {
			in.To = []string{parent.From}
		} else {
			// Replying to oneself: address the original recipients.
			deliveries, err := p.db.Recipients(ctx, parent.ID)
			if err != nil {
				return nil, err
			}
			for _, d := range deliveries {
				if d.AgentName != senderName {
					in.To = append(in.To, d.AgentName)
				}
			}
		}
	}

	sender, err := p.db.AgentByName(ctx, project.ID, senderName)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, model.Errf(model.KindValidation, "subject is required")
	}
	if in.Importance == "" {
		in.Importance = parent.Importance
	}
	if !model.ValidImportance(in.Importance) {
		return nil, model.Errf(model.KindValidation, "importance %q: want normal, high, or urgent", in.Importance)
	}
	in.Subject = util.SafeSlice(in.Subject, config.MaxSubjectBytes)
	in.Body = util.SafeSlice(in.Body, config.MaxBodyBytes)

	resolved, err := p.resolveRecipients(ctx, sender, in, true)
	if err != nil {
		return nil, err
	}
	return p.deliver(ctx, sender, in, resolved, nil)
}

// MarkRead stamps the delivery and invalidates inbox projections.
func (p *Pipeline) MarkRead(ctx context.Context, project *model.Project, agentName string, messageID int64) (bool, error) {
	agent, err := p.db.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return false, err
	}
	updated, err := p.db.MarkRead(ctx, messageID, agent.ID)
	if err != nil {
		return false, err
	}
	if updated {
		p.invalidate(project.ID)
	}
	return updated, nil
}

// Acknowledge stamps ack_us and invalidates.
func (p *Pipeline) Acknowledge(ctx context.Context, project *model.Project, agentName string, messageID int64) (bool, error) {
	agent, err := p.db.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return false, err
	}
	updated, err := p.db.Acknowledge(ctx, messageID, agent.ID)
	if err != nil {
		return false, err
	}
	if updated {
		p.invalidate(project.ID)
	}
	return updated, nil
}

// ApproveContact activates the pair and releases any deliveries the
// require_approval policy parked.
func (p *Pipeline) ApproveContact(ctx context.Context, project *model.Project, fromName, toName string, accept bool) error {
	from, err := p.db.AgentByName(ctx, project.ID, fromName)
	if err != nil {
		return err
	}
	to, err := p.db.AgentByName(ctx, project.ID, toName)
	if err != nil {
		return err
	}
	status := model.ContactActive
	if !accept {
		status = model.ContactBlocked
	}
	if _, err := p.db.UpsertContactLink(ctx, from.ProjectID, from.ID, to.ProjectID, to.ID, status); err != nil {
		return err
	}
	if accept {
		if _, err := p.db.ReleasePending(ctx, from.ID, to.ID); err != nil {
			return err
		}
	}
	p.invalidate(project.ID)
	return nil
}

// SystemMessage delivers a server-generated notice from the reserved system
// identity, bypassing contact policies.
func (p *Pipeline) SystemMessage(ctx context.Context, project *model.Project, recipient string, subject, body string) error {
	sys, err := p.db.RegisterAgent(ctx, project.ID, systemAgent, "agent-mail", "system", "")
	if err != nil {
		return err
	}
	target, err := p.db.AgentByName(ctx, project.ID, recipient)
	if err != nil {
		return err
	}
	subject = util.SafeSlice(subject, config.MaxSubjectBytes)
	body = util.SafeSlice(body, config.MaxBodyBytes)

	in := SendInput{
		Project: project, SenderName: systemAgent,
		Subject: subject, Body: body, Importance: model.ImportanceHigh,
	}
	resolved := []resolvedRecipient{{agent: target, kind: model.FieldTo}}
	_, err = p.deliver(ctx, sys, in, resolved, nil)
	return err
}

func (p *Pipeline) invalidate(projectID int64) {
	if p.cache != nil {
		p.cache.Invalidate(
			cache.Dep(projectID, db.TableMessages),
			cache.Dep(projectID, db.TableRecipients),
			cache.Dep(projectID, db.TableContacts),
			cache.Dep(projectID, db.TableAgents),
		)
	}
}

// AgentAuthor is the commit attribution for an agent's archive writes.
func AgentAuthor(name string) archive.Author {
	return archive.Author{Name: name, Email: strings.ToLower(name) + "@agents.local"}
}

// NewThreadID mints a thread correlation id for macro_prepare_thread.
func NewThreadID() string {
	return "thr-" + uuid.NewString()
}
