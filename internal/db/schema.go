package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

// Table names published in invalidation sets. The cache drops entries whose
// dependency fingerprint names any touched table.
const (
	TableProjects     = "projects"
	TableAgents       = "agents"
	TableMessages     = "messages"
	TableRecipients   = "message_recipients"
	TableReservations = "file_reservations"
	TableContacts     = "contact_links"
	TableBuildSlots   = "build_slots"
	TableAttachments  = "attachments"
)

// A migration is one ordered idempotent step. Pure DDL, or a small data
// transformation gated by the version table. Applied SQL is checksummed;
// editing a shipped step aborts startup instead of silently diverging.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "core tables", `
CREATE TABLE IF NOT EXISTS projects (
    id         INTEGER PRIMARY KEY,
    slug       TEXT NOT NULL UNIQUE,
    human_key  TEXT NOT NULL UNIQUE,
    created_us INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id             INTEGER PRIMARY KEY,
    project_id     INTEGER NOT NULL REFERENCES projects(id),
    name           TEXT NOT NULL,
    program        TEXT NOT NULL DEFAULT '',
    model          TEXT NOT NULL DEFAULT '',
    capabilities   TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'active',
    contact_policy TEXT NOT NULL DEFAULT 'auto',
    inception_us   INTEGER NOT NULL,
    last_seen_us   INTEGER NOT NULL,
    UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY,
    project_id      INTEGER NOT NULL REFERENCES projects(id),
    sender_id       INTEGER NOT NULL REFERENCES agents(id),
    subject         TEXT NOT NULL,
    body_md         TEXT NOT NULL,
    importance      TEXT NOT NULL DEFAULT 'normal',
    thread_id       TEXT,
    reply_to_id     INTEGER REFERENCES messages(id),
    created_us      INTEGER NOT NULL,
    ack_required    INTEGER NOT NULL DEFAULT 0,
    ack_deadline_us INTEGER
);

CREATE TABLE IF NOT EXISTS message_recipients (
    message_id INTEGER NOT NULL REFERENCES messages(id),
    agent_id   INTEGER NOT NULL REFERENCES agents(id),
    kind       TEXT NOT NULL CHECK (kind IN ('to','cc','bcc')),
    read_us    INTEGER,
    ack_us     INTEGER,
    pending    INTEGER NOT NULL DEFAULT 0,
    UNIQUE (message_id, agent_id)
);

CREATE TABLE IF NOT EXISTS file_reservations (
    id          INTEGER PRIMARY KEY,
    project_id  INTEGER NOT NULL REFERENCES projects(id),
    agent_id    INTEGER NOT NULL REFERENCES agents(id),
    patterns    TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    exclusive   INTEGER NOT NULL DEFAULT 1,
    created_us  INTEGER NOT NULL,
    expires_us  INTEGER NOT NULL,
    released_us INTEGER,
    release_note TEXT
);

CREATE TABLE IF NOT EXISTS contact_links (
    id         INTEGER PRIMARY KEY,
    a_project  INTEGER NOT NULL,
    a_agent    INTEGER NOT NULL,
    b_project  INTEGER NOT NULL,
    b_agent    INTEGER NOT NULL,
    status     TEXT NOT NULL CHECK (status IN ('requested','active','blocked')),
    created_us INTEGER NOT NULL,
    updated_us INTEGER NOT NULL,
    UNIQUE (a_project, a_agent, b_project, b_agent)
);

CREATE TABLE IF NOT EXISTS build_slots (
    id          INTEGER PRIMARY KEY,
    project_id  INTEGER NOT NULL REFERENCES projects(id),
    name        TEXT NOT NULL,
    agent_id    INTEGER NOT NULL REFERENCES agents(id),
    created_us  INTEGER NOT NULL,
    expires_us  INTEGER NOT NULL,
    released_us INTEGER
);

CREATE TABLE IF NOT EXISTS attachments (
    id           INTEGER PRIMARY KEY,
    message_id   INTEGER NOT NULL REFERENCES messages(id),
    content_type TEXT NOT NULL DEFAULT '',
    size_bytes   INTEGER NOT NULL,
    path         TEXT NOT NULL
);
`},
	{2, "hot-path indexes", `
CREATE INDEX IF NOT EXISTS idx_messages_project_created
    ON messages (project_id, created_us);
CREATE INDEX IF NOT EXISTS idx_messages_project_sender_created
    ON messages (project_id, sender_id, created_us);
CREATE INDEX IF NOT EXISTS idx_messages_thread
    ON messages (thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_project_importance_created
    ON messages (project_id, importance, created_us);
CREATE INDEX IF NOT EXISTS idx_recipients_agent_message
    ON message_recipients (agent_id, message_id);
CREATE INDEX IF NOT EXISTS idx_reservations_project_released_expires
    ON file_reservations (project_id, released_us, expires_us);
CREATE INDEX IF NOT EXISTS idx_reservations_project_agent_released
    ON file_reservations (project_id, agent_id, released_us);
CREATE INDEX IF NOT EXISTS idx_build_slots_project_name
    ON build_slots (project_id, name);
`},
	{3, "message full-text search", `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    body_md,
    content='messages',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts (rowid, subject, body_md)
    VALUES (new.id, new.subject, new.body_md);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts (messages_fts, rowid, subject, body_md)
    VALUES ('delete', old.id, old.subject, old.body_md);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts (messages_fts, rowid, subject, body_md)
    VALUES ('delete', old.id, old.subject, old.body_md);
    INSERT INTO messages_fts (rowid, subject, body_md)
    VALUES (new.id, new.subject, new.body_md);
END;
`},
}

// migrate applies pending steps in order, recording version and checksum.
// A checksum mismatch on an already-applied step aborts: the binary and the
// database disagree about history.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_us INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		sum := checksum(m.sql)
		var applied string
		err := s.writer.QueryRowContext(ctx,
			`SELECT checksum FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		switch {
		case err == nil:
			if applied != sum {
				return model.Errf(model.KindDBIntegrity,
					"migration %d (%s) checksum drift: recorded %s, binary %s",
					m.version, m.name, applied, sum)
			}
			continue
		case errors.Is(err, sql.ErrNoRows):
			// pending; fall through
		default:
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}

		if err := s.WithTx(ctx, func(tx *Tx) error {
			if _, err := tx.Exec(m.sql); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
			}
			_, err := tx.Exec(
				`INSERT INTO schema_migrations (version, name, checksum, applied_us) VALUES (?, ?, ?, ?)`,
				m.version, m.name, sum, int64(model.Now()))
			return err
		}); err != nil {
			return err
		}
		s.log.Debug("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func checksum(sql string) string {
	h := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(h[:])
}
