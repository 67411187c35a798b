package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"
)

// Store is the durable, ordered, append-only home of the audit trail.
// One SQLite table keyed by a monotonic sequence number; committed order
// is the chain order. The subsystem never issues an UPDATE or DELETE
// against this table.
//
// Concurrency: any number of goroutines may call Append. The mutex makes
// this process the single logical writer — "read last chain digest,
// compute digests, insert" executes as one indivisible unit inside a
// transaction, so two concurrent appends can never both extend the same
// predecessor and fork the chain.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	chain *Chain

	// Chain cursor, maintained under mu. Recovered from the table on
	// open so the chain continues correctly after restart.
	lastSeq   uint64
	lastChain string
}

// appendRetries bounds the internal retry on a sequence collision. A
// collision means another writer (a second process on the same file)
// raced us; each retry re-reads the last chain digest.
const appendRetries = 3

// timestampLayout is RFC 3339 UTC with a fixed nine-digit fraction.
// The fixed width keeps stored timestamps lexicographically ordered, so
// SQLite TEXT comparisons in range queries agree with time order.
// RFC3339Nano would trim trailing zeros and break that.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenStore opens or creates the audit store at the given SQLite path
// and recovers the chain cursor. WAL mode lets verification and reports
// read a consistent snapshot while appends continue.
func OpenStore(path string, chain *Chain) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &StorageError{Op: "open " + path, Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "create schema", Err: err}
	}

	s := &Store{db: db, chain: chain, lastChain: GenesisHash}
	if err := s.recoverCursor(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("audit store opened", "path", path, "sequence", s.lastSeq)
	return s, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		sequence          INTEGER PRIMARY KEY,
		id                TEXT NOT NULL UNIQUE,
		event_type        TEXT NOT NULL,
		event_category    TEXT NOT NULL,
		event_action      TEXT NOT NULL,
		entity_type       TEXT NOT NULL,
		entity_id         TEXT NOT NULL,
		user_id           TEXT NOT NULL DEFAULT '',
		session_id        TEXT NOT NULL DEFAULT '',
		ip_address        TEXT NOT NULL DEFAULT '',
		user_agent        TEXT NOT NULL DEFAULT '',
		request_id        TEXT NOT NULL DEFAULT '',
		transaction_id    TEXT NOT NULL DEFAULT '',
		financial_impact  INTEGER NOT NULL DEFAULT 0,
		control_objective TEXT NOT NULL DEFAULT '',
		risk_level        TEXT NOT NULL,
		description       TEXT NOT NULL,
		before_state      TEXT NOT NULL DEFAULT '',
		after_state       TEXT NOT NULL DEFAULT '',
		event_data        TEXT NOT NULL DEFAULT '',
		metadata          TEXT NOT NULL DEFAULT '',
		timestamp         TEXT NOT NULL,
		event_hash        TEXT NOT NULL,
		chain_hash        TEXT NOT NULL,
		digital_signature TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_events_transaction ON events(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_control ON events(control_objective);
`

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastChainDigest returns the chain hash of the most recently committed
// event, or the genesis constant when the trail is empty.
func (s *Store) LastChainDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChain
}

// Count returns the number of committed events.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, &StorageError{Op: "count events", Err: err, Retryable: true}
	}
	return n, nil
}

// Append finalizes and durably commits an event at the end of the chain.
// Fills in ID, Sequence, Timestamp, EventHash, and ChainHash. Either the
// whole chained row commits or nothing does; a cancelled context rolls
// the transaction back and leaves no partial row.
func (s *Store) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		err := s.appendOnce(ctx, e)
		if err == nil {
			return nil
		}
		if !isSequenceConflict(err) {
			return err
		}
		// Raced by another writer on the same file — refresh the
		// cursor from the table and try again.
		lastErr = err
		if rerr := s.recoverCursor(); rerr != nil {
			return rerr
		}
		slog.Warn("audit append sequence conflict, retrying", "attempt", attempt+1)
	}
	return &StorageError{Op: "append", Err: lastErr, Retryable: true}
}

// appendOnce runs one read-compute-insert cycle inside a transaction.
// Caller holds mu.
func (s *Store) appendOnce(ctx context.Context, e *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin append", Err: err, Retryable: true}
	}
	defer tx.Rollback()

	// Fresh read of the chain tail inside the transaction. The cached
	// cursor is only a hint; the stored row is authoritative.
	seq, prevChain, err := chainTail(ctx, tx)
	if err != nil {
		return err
	}

	// Store-assigned identity and commit-time timestamp. The timestamp
	// is informational; the sequence is the ordering key.
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Sequence = seq + 1
	e.Timestamp = time.Now().UTC()

	// Normalize dynamic payloads through a JSON round-trip before
	// hashing, so the digest recomputes identically from stored rows.
	if err := normalizePayloads(e); err != nil {
		return err
	}

	eventDigest, err := s.chain.digestEvent(e)
	if err != nil {
		return err
	}
	e.EventHash = eventDigest
	e.ChainHash = s.chain.ChainDigest(prevChain, eventDigest)

	if err := insertEvent(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit append", Err: err, Retryable: true}
	}

	s.lastSeq = e.Sequence
	s.lastChain = e.ChainHash
	return nil
}

// chainTail reads the highest committed sequence and its chain hash.
func chainTail(ctx context.Context, tx *sql.Tx) (uint64, string, error) {
	var seq uint64
	var chainHash string
	err := tx.QueryRowContext(ctx,
		"SELECT sequence, chain_hash FROM events ORDER BY sequence DESC LIMIT 1",
	).Scan(&seq, &chainHash)
	if err == sql.ErrNoRows {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", &StorageError{Op: "read chain tail", Err: err, Retryable: true}
	}
	return seq, chainHash, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *Event) error {
	before, after, data, meta, err := marshalPayloads(e)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			sequence, id, event_type, event_category, event_action,
			entity_type, entity_id, user_id, session_id, ip_address,
			user_agent, request_id, transaction_id, financial_impact,
			control_objective, risk_level, description, before_state,
			after_state, event_data, metadata, timestamp, event_hash,
			chain_hash, digital_signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.ID, e.EventType, e.EventCategory, e.EventAction,
		e.EntityType, e.EntityID, e.UserID, e.SessionID, e.IPAddress,
		e.UserAgent, e.RequestID, e.TransactionID, boolToInt(e.FinancialImpact),
		e.ControlObjective, string(e.RiskLevel), e.Description, before,
		after, data, meta, e.Timestamp.Format(timestampLayout), e.EventHash,
		e.ChainHash, e.DigitalSignature,
	)
	if err != nil {
		if isSequenceConflict(err) {
			return err
		}
		return &StorageError{Op: "insert event", Err: err, Retryable: true}
	}
	return nil
}

// isSequenceConflict detects a UNIQUE/PRIMARY KEY violation on the
// sequence column, which indicates a concurrent-writer race.
func isSequenceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: events.sequence")
}

// recoverCursor reloads the in-memory chain cursor from the table.
func (s *Store) recoverCursor() error {
	var seq uint64
	var chainHash string
	err := s.db.QueryRow(
		"SELECT sequence, chain_hash FROM events ORDER BY sequence DESC LIMIT 1",
	).Scan(&seq, &chainHash)
	if err == sql.ErrNoRows {
		s.lastSeq = 0
		s.lastChain = GenesisHash
		return nil
	}
	if err != nil {
		return &StorageError{Op: "recover chain cursor", Err: err, Retryable: true}
	}
	s.lastSeq = seq
	s.lastChain = chainHash
	return nil
}

// QueryParams filters event reads. Zero values mean "no filter".
type QueryParams struct {
	EntityType    string
	EntityID      string
	EventType     string
	TransactionID string
	RiskLevel     RiskLevel
	Since         time.Time
	Until         time.Time
	Limit         int
}

const eventColumns = `sequence, id, event_type, event_category, event_action,
	entity_type, entity_id, user_id, session_id, ip_address, user_agent,
	request_id, transaction_id, financial_impact, control_objective,
	risk_level, description, before_state, after_state, event_data,
	metadata, timestamp, event_hash, chain_hash, digital_signature`

// ReadRange returns all events whose commit timestamp falls in
// [from, until], in sequence order. Nil bounds are open. A single query
// over a WAL snapshot, so a concurrent append is either fully included
// or not at all — never half a row mid-chain.
func (s *Store) ReadRange(ctx context.Context, from, until *time.Time) ([]Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []any
	if from != nil {
		query += " AND timestamp >= ?"
		args = append(args, from.UTC().Format(timestampLayout))
	}
	if until != nil {
		query += " AND timestamp <= ?"
		args = append(args, until.UTC().Format(timestampLayout))
	}
	query += " ORDER BY sequence ASC"

	return s.scanEvents(ctx, query, args...)
}

// Query returns events matching the given filters, most recent first.
func (s *Store) Query(ctx context.Context, params QueryParams) ([]Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []any

	if params.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, params.EntityType)
	}
	if params.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, params.EntityID)
	}
	if params.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, params.EventType)
	}
	if params.TransactionID != "" {
		query += " AND transaction_id = ?"
		args = append(args, params.TransactionID)
	}
	if params.RiskLevel != "" {
		query += " AND risk_level = ?"
		args = append(args, string(params.RiskLevel))
	}
	if !params.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, params.Since.UTC().Format(timestampLayout))
	}
	if !params.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, params.Until.UTC().Format(timestampLayout))
	}

	query += " ORDER BY sequence DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	return s.scanEvents(ctx, query, args...)
}

// TransactionEvents returns the chained events for one transaction in
// append order: the original financial_transaction event followed by its
// status-change events.
func (s *Store) TransactionEvents(ctx context.Context, transactionID string) ([]Event, error) {
	return s.scanEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE transaction_id = ? ORDER BY sequence ASC",
		transactionID,
	)
}

// Tail returns the most recent events in sequence order.
func (s *Store) Tail(ctx context.Context, limit int) ([]Event, error) {
	events, err := s.Query(ctx, QueryParams{Limit: limit})
	if err != nil {
		return nil, err
	}
	// Query returns newest first; flip to chain order for display.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *Store) scanEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query events", Err: err, Retryable: true}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate events", Err: err, Retryable: true}
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var financialImpact int
	var risk, ts, before, after, data, meta string

	err := rows.Scan(
		&e.Sequence, &e.ID, &e.EventType, &e.EventCategory, &e.EventAction,
		&e.EntityType, &e.EntityID, &e.UserID, &e.SessionID, &e.IPAddress,
		&e.UserAgent, &e.RequestID, &e.TransactionID, &financialImpact,
		&e.ControlObjective, &risk, &e.Description, &before, &after, &data,
		&meta, &ts, &e.EventHash, &e.ChainHash, &e.DigitalSignature,
	)
	if err != nil {
		return Event{}, &StorageError{Op: "scan event", Err: err}
	}

	e.FinancialImpact = financialImpact != 0
	e.RiskLevel = RiskLevel(risk)
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return Event{}, &StorageError{Op: "parse timestamp", Err: fmt.Errorf("event %s: %w", e.ID, err)}
	}

	for _, p := range []struct {
		col    string
		target *map[string]any
	}{
		{before, &e.BeforeState},
		{after, &e.AfterState},
		{data, &e.EventData},
		{meta, &e.Metadata},
	} {
		if p.col == "" || p.col == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(p.col), p.target); err != nil {
			return Event{}, &StorageError{Op: "decode payload", Err: fmt.Errorf("event %s: %w", e.ID, err)}
		}
	}

	return e, nil
}

// marshalPayloads JSON-encodes the dynamic maps for storage. Empty maps
// store as the empty string.
func marshalPayloads(e *Event) (before, after, data, meta string, err error) {
	encode := func(m map[string]any) (string, error) {
		if len(m) == 0 {
			return "", nil
		}
		b, err := json.Marshal(m)
		if err != nil {
			return "", &ValidationError{Field: "payload", Reason: err.Error()}
		}
		return string(b), nil
	}

	if before, err = encode(e.BeforeState); err != nil {
		return
	}
	if after, err = encode(e.AfterState); err != nil {
		return
	}
	if data, err = encode(e.EventData); err != nil {
		return
	}
	meta, err = encode(e.Metadata)
	return
}

// normalizePayloads rewrites the dynamic maps as their JSON round-trip
// so the in-memory representation hashed at append time is exactly what
// a later read of the stored row reproduces (ints become float64, etc.).
func normalizePayloads(e *Event) error {
	for _, m := range []*map[string]any{&e.BeforeState, &e.AfterState, &e.EventData, &e.Metadata} {
		if len(*m) == 0 {
			continue
		}
		b, err := json.Marshal(*m)
		if err != nil {
			return &ValidationError{Field: "payload", Reason: err.Error()}
		}
		var normalized map[string]any
		if err := json.Unmarshal(b, &normalized); err != nil {
			return &ValidationError{Field: "payload", Reason: err.Error()}
		}
		*m = normalized
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
