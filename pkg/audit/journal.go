package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Kind names the operation an entry records.
type Kind string

const (
	KindAgentRegistered Kind = "agent.registered"
	KindAgentPaused     Kind = "agent.paused"
	KindAgentResumed    Kind = "agent.resumed"

	KindLeaseGranted Kind = "lease.granted"
	KindLeaseUsage   Kind = "lease.usage"
	KindLeaseRenewed Kind = "lease.renewed"
	KindLeaseClosed  Kind = "lease.closed"
	KindLeaseRevoked Kind = "lease.revoked"

	KindRequestFiled     Kind = "request.filed"
	KindRequestApproved  Kind = "request.approved"
	KindRequestRejected  Kind = "request.rejected"
	KindRequestCancelled Kind = "request.cancelled"

	KindAllocationOverride Kind = "allocation.override"
)

// Entry is one journal record. Detail carries operation-specific
// fields as a flat JSON object.
type Entry struct {
	EntryID   string         `json:"entry_id"`
	Kind      Kind           `json:"kind"`
	AgentID   string         `json:"agent_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter selects journal entries. Zero fields match everything.
type Filter struct {
	AgentID string
	Kind    Kind
	Since   time.Time
	Limit   int
	Offset  int
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Journal is the append-only audit store.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config configures the journal database.
type Config struct {
	// DBPath is the journal database file path.
	DBPath string

	// BusyTimeout is how long to wait for locks. Default: 5 seconds.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the journal database.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("journal db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "audit")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		subject_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an entry. A failed append is logged but never
// propagated: audit trouble must not fail the budget operation it
// records.
func (j *Journal) Record(ctx context.Context, kind Kind, agentID, actorID, subjectID string, detail map[string]any) {
	entry := Entry{
		EntryID:   "audit_" + uuid.NewString(),
		Kind:      kind,
		AgentID:   agentID,
		ActorID:   actorID,
		SubjectID: subjectID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	payload := []byte("{}")
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			j.logger.Error("audit detail not serializable", "kind", string(kind), "error", err)
		} else {
			payload = b
		}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO audit_entries (entry_id, kind, agent_id, actor_id, subject_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, string(entry.Kind), entry.AgentID, entry.ActorID, entry.SubjectID,
		string(payload), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		j.logger.Error("audit append failed", "kind", string(kind), "agent_id", agentID, "error", err)
	}
}

// Query returns entries matching the filter, newest first.
func (j *Journal) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `SELECT entry_id, kind, agent_id, actor_id, subject_id, detail, created_at FROM audit_entries`
	where, args := filter.where()
	query += where
	query += " ORDER BY created_at DESC, entry_id DESC"
	switch {
	case filter.Limit > 0:
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	case filter.Offset > 0:
		// SQLite needs a LIMIT clause to accept OFFSET.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var kind, detail string
		var createdAt int64
		if err := rows.Scan(&e.EntryID, &kind, &e.AgentID, &e.ActorID, &e.SubjectID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode journal detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Count returns how many entries match the filter, ignoring Limit and
// Offset.
func (j *Journal) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return n, nil
}

// Prune deletes entries created before the cutoff and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
