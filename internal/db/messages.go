package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

// NewMessage is the insert shape for one message plus its deliveries.
type NewMessage struct {
	ProjectID   int64
	SenderID    int64
	Subject     string
	Body        string
	Importance  string
	ThreadID    *string
	ReplyToID   *int64
	AckRequired bool
	AckDeadline *model.Micros
	// Recipients lists one delivery per agent with its kind and pending flag.
	Recipients []NewRecipient
}

// NewRecipient is one delivery row to create.
type NewRecipient struct {
	AgentID int64
	Kind    string
	Pending bool
}

// InsertMessage writes the message row and one delivery per recipient in a
// single transaction. The FTS index follows via triggers. Returns the
// created message id and timestamp; ids are strictly increasing within a
// project, so (created_us, id) totally orders messages.
func (s *Store) InsertMessage(ctx context.Context, nm NewMessage) (int64, model.Micros, error) {
	now := model.Now()
	var id int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var deadline any
		if nm.AckDeadline != nil {
			deadline = int64(*nm.AckDeadline)
		}
		var threadID any
		if nm.ThreadID != nil {
			threadID = *nm.ThreadID
		}
		var replyTo any
		if nm.ReplyToID != nil {
			replyTo = *nm.ReplyToID
		}
		res, err := tx.Exec(`
INSERT INTO messages (project_id, sender_id, subject, body_md, importance, thread_id, reply_to_id, created_us, ack_required, ack_deadline_us)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nm.ProjectID, nm.SenderID, nm.Subject, nm.Body, nm.Importance,
			threadID, replyTo, int64(now), nm.AckRequired, deadline)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, r := range nm.Recipients {
			if _, err := tx.Exec(`
INSERT INTO message_recipients (message_id, agent_id, kind, pending) VALUES (?, ?, ?, ?)`,
				id, r.AgentID, r.Kind, r.Pending); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return id, now, nil
}

const messageCols = `m.id, m.project_id, m.sender_id, a.name, m.subject, m.body_md, m.importance, m.thread_id, m.reply_to_id, m.created_us, m.ack_required, m.ack_deadline_us`

func scanMessage(rows *sql.Rows) (model.Message, error) {
	var m model.Message
	var threadID sql.NullString
	var replyTo, deadline sql.NullInt64
	err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.From, &m.Subject, &m.Body,
		&m.Importance, &threadID, &replyTo, &m.Created, &m.AckRequired, &deadline)
	if err != nil {
		return m, err
	}
	if threadID.Valid {
		m.ThreadID = &threadID.String
	}
	if replyTo.Valid {
		m.ReplyToID = &replyTo.Int64
	}
	if deadline.Valid {
		d := model.Micros(deadline.Int64)
		m.AckDeadline = &d
	}
	return m, nil
}

// GetMessage fetches one message with its sender name resolved.
func (s *Store) GetMessage(ctx context.Context, projectID, id int64) (*model.Message, error) {
	var m model.Message
	found := false
	err := s.queryRows(ctx, `
SELECT `+messageCols+`
FROM messages m JOIN agents a ON a.id = m.sender_id
WHERE m.project_id = ? AND m.id = ?`, []any{projectID, id},
		func(rows *sql.Rows) error {
			found = true
			var err error
			m, err = scanMessage(rows)
			return err
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.Errf(model.KindNotFound, "message %d not found", id)
	}
	return &m, nil
}

// Recipients returns the deliveries of a message.
func (s *Store) Recipients(ctx context.Context, messageID int64) ([]model.Delivery, error) {
	var out []model.Delivery
	err := s.queryRows(ctx, `
SELECT r.message_id, r.agent_id, a.name, r.kind, r.read_us, r.ack_us, r.pending
FROM message_recipients r JOIN agents a ON a.id = r.agent_id
WHERE r.message_id = ?
ORDER BY a.name`, []any{messageID},
		func(rows *sql.Rows) error {
			var d model.Delivery
			var readUs, ackUs sql.NullInt64
			if err := rows.Scan(&d.MessageID, &d.AgentID, &d.AgentName, &d.Field, &readUs, &ackUs, &d.Pending); err != nil {
				return err
			}
			if readUs.Valid {
				v := model.Micros(readUs.Int64)
				d.ReadAt = &v
			}
			if ackUs.Valid {
				v := model.Micros(ackUs.Int64)
				d.AckAt = &v
			}
			out = append(out, d)
			return nil
		})
	return out, err
}

// InboxFilter narrows FetchInbox.
type InboxFilter struct {
	UnreadOnly    bool
	UrgentOnly    bool
	Since         model.Micros
	Limit         int
	IncludeBodies bool
}

// FetchInbox returns the agent's deliveries ordered created_us DESC, id
// DESC. Pending (policy-held) deliveries are excluded.
func (s *Store) FetchInbox(ctx context.Context, projectID, agentID int64, f InboxFilter) ([]model.InboxMessage, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q := `
SELECT m.id, m.subject, sender.name, m.importance, m.thread_id, m.created_us,
       m.ack_required, r.kind, r.read_us IS NOT NULL, r.ack_us IS NOT NULL, m.body_md
FROM message_recipients r
JOIN messages m ON m.id = r.message_id
JOIN agents sender ON sender.id = m.sender_id
WHERE r.agent_id = ? AND m.project_id = ? AND r.pending = 0`
	args := []any{agentID, projectID}
	if f.UnreadOnly {
		q += ` AND r.read_us IS NULL`
	}
	if f.UrgentOnly {
		q += ` AND m.importance = 'urgent'`
	}
	if f.Since > 0 {
		q += ` AND m.created_us > ?`
		args = append(args, int64(f.Since))
	}
	q += ` ORDER BY m.created_us DESC, m.id DESC LIMIT ?`
	args = append(args, f.Limit)

	var out []model.InboxMessage
	err := s.queryRows(ctx, q, args, func(rows *sql.Rows) error {
		var im model.InboxMessage
		var threadID sql.NullString
		var body string
		if err := rows.Scan(&im.ID, &im.Subject, &im.From, &im.Importance, &threadID,
			&im.Created, &im.AckRequired, &im.Field, &im.Read, &im.Acked, &body); err != nil {
			return err
		}
		if threadID.Valid {
			im.ThreadID = &threadID.String
		}
		if f.IncludeBodies {
			im.Body = body
		}
		out = append(out, im)
		return nil
	})
	return out, err
}

// Outbox returns messages sent by the agent, newest first.
func (s *Store) Outbox(ctx context.Context, projectID, agentID int64, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.Message
	err := s.queryRows(ctx, `
SELECT `+messageCols+`
FROM messages m JOIN agents a ON a.id = m.sender_id
WHERE m.project_id = ? AND m.sender_id = ?
ORDER BY m.created_us DESC, m.id DESC LIMIT ?`, []any{projectID, agentID, limit},
		func(rows *sql.Rows) error {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	return out, err
}

// MarkRead stamps read_us once; already-read rows are left untouched.
func (s *Store) MarkRead(ctx context.Context, messageID, agentID int64) (bool, error) {
	var updated bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM message_recipients WHERE message_id = ? AND agent_id = ?`,
			messageID, agentID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Errf(model.KindNotFound, "no delivery of message %d to agent %d", messageID, agentID)
		}
		if err != nil {
			return mapDBErr(err)
		}
		res, err := tx.Exec(`
UPDATE message_recipients SET read_us = ? WHERE message_id = ? AND agent_id = ? AND read_us IS NULL`,
			int64(model.Now()), messageID, agentID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		updated = n > 0
		return nil
	})
	return updated, err
}

// Acknowledge stamps ack_us (and read_us when unset). Idempotent.
func (s *Store) Acknowledge(ctx context.Context, messageID, agentID int64) (bool, error) {
	var updated bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var ackRequired bool
		err := tx.QueryRow(`
SELECT m.ack_required FROM message_recipients r JOIN messages m ON m.id = r.message_id
WHERE r.message_id = ? AND r.agent_id = ?`, messageID, agentID).Scan(&ackRequired)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Errf(model.KindNotFound, "no delivery of message %d to agent %d", messageID, agentID)
		}
		if err != nil {
			return mapDBErr(err)
		}
		now := int64(model.Now())
		res, err := tx.Exec(`
UPDATE message_recipients
SET ack_us = ?, read_us = COALESCE(read_us, ?)
WHERE message_id = ? AND agent_id = ? AND ack_us IS NULL`,
			now, now, messageID, agentID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		updated = n > 0
		return nil
	})
	return updated, err
}

// ReleasePending flips policy-held deliveries live once a contact request is
// approved, returning the affected message ids.
func (s *Store) ReleasePending(ctx context.Context, senderID, recipientID int64) ([]int64, error) {
	var ids []int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.Query(`
UPDATE message_recipients SET pending = 0
WHERE agent_id = ? AND pending = 1
  AND message_id IN (SELECT id FROM messages WHERE sender_id = ?)
RETURNING message_id`, recipientID, senderID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// ThreadMessages returns a thread's messages in ascending creation order.
func (s *Store) ThreadMessages(ctx context.Context, projectID int64, threadID string) ([]model.Message, error) {
	var out []model.Message
	err := s.queryRows(ctx, `
SELECT `+messageCols+`
FROM messages m JOIN agents a ON a.id = m.sender_id
WHERE m.project_id = ? AND m.thread_id = ?
ORDER BY m.created_us ASC, m.id ASC`, []any{projectID, threadID},
		func(rows *sql.Rows) error {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, model.Errf(model.KindNotFound, "thread %q not found", threadID)
	}
	return out, nil
}

// SummarizeThread computes the thread summary. Participants are ordered by
// their first contribution, ascending.
func (s *Store) SummarizeThread(ctx context.Context, projectID int64, threadID string) (*model.ThreadSummary, error) {
	msgs, err := s.ThreadMessages(ctx, projectID, threadID)
	if err != nil {
		return nil, err
	}
	sum := &model.ThreadSummary{
		ThreadID: threadID,
		Subject:  msgs[0].Subject,
		Count:    len(msgs),
		First:    msgs[0].Created,
		Last:     msgs[len(msgs)-1].Created,
	}
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.From] {
			seen[m.From] = true
			sum.Participants = append(sum.Participants, m.From)
		}
	}
	return sum, nil
}

// ThreadStub summarizes one thread for listings.
type ThreadStub struct {
	ThreadID string       `json:"thread_id"`
	Subject  string       `json:"subject"`
	Count    int          `json:"message_count"`
	Last     model.Micros `json:"last_us"`
}

// ListThreads returns the project's threads ordered by last activity.
func (s *Store) ListThreads(ctx context.Context, projectID int64, limit int) ([]ThreadStub, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []ThreadStub
	err := s.queryRows(ctx, `
SELECT thread_id, MIN(subject), COUNT(*), MAX(created_us) AS last_us
FROM messages
WHERE project_id = ? AND thread_id IS NOT NULL
GROUP BY thread_id
ORDER BY last_us DESC
LIMIT ?`, []any{projectID, limit},
		func(rows *sql.Rows) error {
			var t ThreadStub
			if err := rows.Scan(&t.ThreadID, &t.Subject, &t.Count, &t.Last); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	return out, err
}

// SearchFilter narrows SearchMessages.
type SearchFilter struct {
	Sender     string
	Importance string
	Since      model.Micros
	Limit      int
	Offset     int
}

// SearchMessages routes through FTS5. Hostile or empty queries fall back to
// a safe empty plan rather than a permissive LIKE. Results are ordered
// created_us DESC, id DESC (rank breaks no ties; recency does).
func (s *Store) SearchMessages(ctx context.Context, projectID int64, query string, f SearchFilter) ([]model.SearchResult, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	q := `
SELECT ` + messageCols + `, bm25(messages_fts) AS rank
FROM messages_fts
JOIN messages m ON m.id = messages_fts.rowid
JOIN agents a ON a.id = m.sender_id
WHERE messages_fts MATCH ? AND m.project_id = ?`
	args := []any{sanitized, projectID}
	if f.Sender != "" {
		q += ` AND a.name = ?`
		args = append(args, f.Sender)
	}
	if f.Importance != "" {
		q += ` AND m.importance = ?`
		args = append(args, f.Importance)
	}
	if f.Since > 0 {
		q += ` AND m.created_us > ?`
		args = append(args, int64(f.Since))
	}
	q += ` ORDER BY m.created_us DESC, m.id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	var out []model.SearchResult
	err := s.queryRows(ctx, q, args, func(rows *sql.Rows) error {
		var m model.Message
		var threadID sql.NullString
		var replyTo, deadline sql.NullInt64
		var rank float64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.From, &m.Subject, &m.Body,
			&m.Importance, &threadID, &replyTo, &m.Created, &m.AckRequired, &deadline, &rank); err != nil {
			return err
		}
		if threadID.Valid {
			m.ThreadID = &threadID.String
		}
		if replyTo.Valid {
			m.ReplyToID = &replyTo.Int64
		}
		if deadline.Valid {
			d := model.Micros(deadline.Int64)
			m.AckDeadline = &d
		}
		out = append(out, model.SearchResult{Message: m, Rank: rank})
		return nil
	})
	return out, err
}

// sanitizeFTSQuery rewrites user input into a conjunctive query of exact
// terms (at most eight).
// Anything that could be FTS5 syntax is stripped; each surviving term is
// quoted. An input with no usable terms yields "" (the empty plan).
func sanitizeFTSQuery(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '_', r >= 0x80: // keep identifiers and non-ASCII words
			return false
		}
		return true
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
		if len(terms) == 8 {
			break
		}
	}
	return strings.Join(terms, " AND ")
}

// MessageCount returns the number of messages in a project.
func (s *Store) MessageCount(ctx context.Context, projectID int64) (int64, error) {
	var n int64
	err := s.queryRows(ctx, `SELECT COUNT(*) FROM messages WHERE project_id = ?`, []any{projectID},
		func(rows *sql.Rows) error { return rows.Scan(&n) })
	return n, err
}

// InsertAttachment records attachment metadata for a message.
func (s *Store) InsertAttachment(ctx context.Context, messageID int64, contentType string, size int64, path string) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`
INSERT INTO attachments (message_id, content_type, size_bytes, path) VALUES (?, ?, ?, ?)`,
			messageID, contentType, size, path)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UnackedDeliveries lists deliveries still awaiting acknowledgement for an
// agent, oldest deadline first.
func (s *Store) UnackedDeliveries(ctx context.Context, projectID, agentID int64) ([]model.InboxMessage, error) {
	var out []model.InboxMessage
	err := s.queryRows(ctx, `
SELECT m.id, m.subject, sender.name, m.importance, m.thread_id, m.created_us,
       m.ack_required, r.kind, r.read_us IS NOT NULL, r.ack_us IS NOT NULL
FROM message_recipients r
JOIN messages m ON m.id = r.message_id
JOIN agents sender ON sender.id = m.sender_id
WHERE r.agent_id = ? AND m.project_id = ? AND m.ack_required = 1 AND r.ack_us IS NULL AND r.pending = 0
ORDER BY COALESCE(m.ack_deadline_us, m.created_us) ASC, m.id ASC`, []any{agentID, projectID},
		func(rows *sql.Rows) error {
			var im model.InboxMessage
			var threadID sql.NullString
			if err := rows.Scan(&im.ID, &im.Subject, &im.From, &im.Importance, &threadID,
				&im.Created, &im.AckRequired, &im.Field, &im.Read, &im.Acked); err != nil {
				return err
			}
			if threadID.Valid {
				im.ThreadID = &threadID.String
			}
			out = append(out, im)
			return nil
		})
	return out, err
}
