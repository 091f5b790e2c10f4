// Package model defines the core records shared by the index, the archive,
// and the protocol surface. All timestamps are signed 64-bit microseconds
// since the Unix epoch (UTC).
package model

import "time"

// Micros is a timestamp in microseconds since the epoch.
type Micros int64

// Now samples the wall clock once. Operations that compare TTLs must call
// this exactly once and reuse the value.
func Now() Micros {
	return Micros(time.Now().UnixMicro())
}

// Time converts the timestamp back to a time.Time in UTC.
func (m Micros) Time() time.Time {
	return time.UnixMicro(int64(m)).UTC()
}

// Add returns the timestamp shifted by d.
func (m Micros) Add(d time.Duration) Micros {
	return m + Micros(d.Microseconds())
}

// Importance levels for messages.
const (
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
	ImportanceUrgent = "urgent"
)

// ValidImportance reports whether s is a recognized importance level.
func ValidImportance(s string) bool {
	switch s {
	case ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return true
	}
	return false
}

// ContactPolicy governs which senders may deliver to an agent when no
// explicit contact link decides it.
type ContactPolicy string

const (
	PolicyOpen            ContactPolicy = "open"
	PolicyAuto            ContactPolicy = "auto"
	PolicyContactsOnly    ContactPolicy = "contacts_only"
	PolicyRequireApproval ContactPolicy = "require_approval"
	PolicyBlockAll        ContactPolicy = "block_all"
)

// ValidPolicy reports whether p names a known contact policy.
func ValidPolicy(p ContactPolicy) bool {
	switch p {
	case PolicyOpen, PolicyAuto, PolicyContactsOnly, PolicyRequireApproval, PolicyBlockAll:
		return true
	}
	return false
}

// ContactStatus is the state of a contact link.
type ContactStatus string

const (
	ContactRequested ContactStatus = "requested"
	ContactActive    ContactStatus = "active"
	ContactBlocked   ContactStatus = "blocked"
)

// Project is keyed externally by an absolute filesystem path (HumanKey) and
// internally by a slug usable as a directory name.
type Project struct {
	ID       int64  `json:"id"`
	Slug     string `json:"slug"`
	HumanKey string `json:"human_key"`
	Created  Micros `json:"created_us"`
}

// AgentStatus values. Inactivity is expressed by status and LastSeen, never
// by deleting the row.
const (
	AgentActive   = "active"
	AgentIdle     = "idle"
	AgentRetired  = "retired"
)

// Agent is a persistent identity within a project. Name follows the
// AdjectiveNoun convention (e.g. "GreenCastle") and is unique per project.
type Agent struct {
	ID           int64         `json:"id"`
	ProjectID    int64         `json:"project_id"`
	Name         string        `json:"name"`
	Program      string        `json:"program"`
	Model        string        `json:"model"`
	Capabilities string        `json:"capabilities,omitempty"`
	Status       string        `json:"status"`
	Policy       ContactPolicy `json:"contact_policy"`
	Inception    Micros        `json:"inception_us"`
	LastSeen     Micros        `json:"last_seen_us"`
}

// Message is immutable after insertion; per-recipient state lives on the
// Delivery rows.
type Message struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	SenderID    int64   `json:"sender_id"`
	From        string  `json:"from"`
	Subject     string  `json:"subject"`
	Body        string  `json:"body_md"`
	Importance  string  `json:"importance"`
	ThreadID    *string `json:"thread_id,omitempty"`
	ReplyToID   *int64  `json:"reply_to_id,omitempty"`
	Created     Micros  `json:"created_us"`
	AckRequired bool    `json:"ack_required"`
	AckDeadline *Micros `json:"ack_deadline_us,omitempty"`
}

// Recipient field kinds.
const (
	FieldTo  = "to"
	FieldCc  = "cc"
	FieldBcc = "bcc"
)

// Delivery is the per-recipient record of a message. Unique per
// (message, agent).
type Delivery struct {
	MessageID int64   `json:"message_id"`
	AgentID   int64   `json:"agent_id"`
	AgentName string  `json:"agent_name"`
	Field     string  `json:"kind"`
	ReadAt    *Micros `json:"read_us,omitempty"`
	AckAt     *Micros `json:"ack_us,omitempty"`
	Pending   bool    `json:"pending,omitempty"`
}

// InboxMessage is the inbox projection of a message for one recipient.
type InboxMessage struct {
	ID          int64   `json:"id"`
	Subject     string  `json:"subject"`
	From        string  `json:"from"`
	Importance  string  `json:"importance"`
	ThreadID    *string `json:"thread_id,omitempty"`
	Created     Micros  `json:"created_us"`
	AckRequired bool    `json:"ack_required"`
	Field       string  `json:"kind"`
	Read        bool    `json:"read"`
	Acked       bool    `json:"acked"`
	Body        string  `json:"body_md,omitempty"`
}

// FileReservation is an advisory, TTL-bounded lease on a glob pattern set.
// Active iff Released is nil and Expires > now.
type FileReservation struct {
	ID        int64    `json:"id"`
	ProjectID int64    `json:"project_id"`
	AgentID   int64    `json:"agent_id"`
	AgentName string   `json:"agent_name"`
	Patterns  []string `json:"patterns"`
	Reason    string   `json:"reason,omitempty"`
	Exclusive bool     `json:"exclusive"`
	Created   Micros   `json:"created_us"`
	Expires   Micros   `json:"expires_us"`
	Released  *Micros  `json:"released_us,omitempty"`
}

// ActiveAt reports whether the reservation is active at the given instant.
func (r *FileReservation) ActiveAt(now Micros) bool {
	return r.Released == nil && r.Expires > now
}

// ContactLink is a pair-unique acquaintance between two agents, possibly
// across projects.
type ContactLink struct {
	ID        int64         `json:"id"`
	AProject  int64         `json:"a_project"`
	AAgent    int64         `json:"a_agent"`
	BProject  int64         `json:"b_project"`
	BAgent    int64         `json:"b_agent"`
	Status    ContactStatus `json:"status"`
	Created   Micros        `json:"created_us"`
	UpdatedAt Micros        `json:"updated_us"`
}

// BuildSlot is a named lease with a TTL and an owning agent.
type BuildSlot struct {
	ID        int64   `json:"id"`
	ProjectID int64   `json:"project_id"`
	Name      string  `json:"name"`
	AgentID   int64   `json:"agent_id"`
	AgentName string  `json:"agent_name"`
	Created   Micros  `json:"created_us"`
	Expires   Micros  `json:"expires_us"`
	Released  *Micros `json:"released_us,omitempty"`
}

// Attachment metadata. Raw bytes live in the archive; the index keeps only
// the pointer and size.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Path        string `json:"path"`
}

// ThreadSummary is computed, never stored.
type ThreadSummary struct {
	ThreadID     string   `json:"thread_id"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
	Count        int      `json:"message_count"`
	First        Micros   `json:"first_us"`
	Last         Micros   `json:"last_us"`
}

// SearchResult pairs a message with its relevance rank.
type SearchResult struct {
	Message Message `json:"message"`
	Rank    float64 `json:"rank"`
}
