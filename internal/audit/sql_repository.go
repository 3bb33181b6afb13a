package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/auditchain/internal/tracing"
)

// Dialect selects the SQL flavour spoken by SQLRepository.
type Dialect string

const (
	// DialectPostgres targets PostgreSQL through github.com/lib/pq.
	DialectPostgres Dialect = "postgres"
	// DialectSQLite targets SQLite through github.com/glebarez/go-sqlite.
	DialectSQLite Dialect = "sqlite"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const entryColumns = `id, scope_id, sequence_number, event_type, resource_type, resource_id,
	actor_id, metadata, ip_address, user_agent, created_at, prev_hash, entry_hash`

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteTimeLayout keeps a fixed width so text ordering is chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (d Dialect) timeArg(t time.Time) any {
	if d == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (d Dialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLRepository implements Repository on a database/sql handle. The
// audit_entries table must carry a UNIQUE (scope_id, sequence_number)
// constraint; see the migrations package.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLRepository creates a repository for the given dialect.
func NewSQLRepository(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRepository{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// Tail returns the highest-sequence entry summary for the scope.
func (r *SQLRepository) Tail(ctx context.Context, scopeID string) (tail Tail, found bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(r.dialect), "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.dialect.rebind(`SELECT sequence_number, entry_hash, created_at FROM audit_entries
		WHERE scope_id = ? ORDER BY sequence_number DESC, id DESC LIMIT 1`)

	var hash string
	var created dbTime
	err = r.db.QueryRowContext(ctx, query, scopeID).Scan(&tail.Sequence, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Tail{}, false, nil
	}
	if err != nil {
		return Tail{}, false, storageErr("tail", err)
	}
	if tail.Hash, err = ParseHash(hash); err != nil {
		return Tail{}, false, storageErr("tail", err)
	}
	tail.CreatedAt = created.Time
	return tail, true, nil
}

// Insert writes e. A duplicate (scope_id, sequence_number) is reported as
// ErrSequenceConflict.
func (r *SQLRepository) Insert(ctx context.Context, e *Entry) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(r.dialect), "audit_entries", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	metadata, err := encodeMetadataJSON(e.Metadata)
	if err != nil {
		return err
	}

	query := r.dialect.rebind(`INSERT INTO audit_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.ScopeID, e.Sequence, string(e.EventType), string(e.ResourceType), e.ResourceID,
		e.ActorID, metadata, e.Client.IPAddress, e.Client.UserAgent,
		r.dialect.timeArg(e.CreatedAt), e.PrevHash.String(), e.EntryHash.String(),
	)
	if err != nil {
		if r.dialect.isUniqueViolation(err) {
			r.logger.Debug("sequence conflict on insert",
				slog.String("scope_id", e.ScopeID),
				slog.Int64("sequence", e.Sequence))
			return ErrSequenceConflict
		}
		return storageErr("insert", err)
	}
	return nil
}

// Get returns the entry at seq. When storage holds duplicates for seq the
// one with the lowest id is returned.
func (r *SQLRepository) Get(ctx context.Context, scopeID string, seq int64) (e *Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(r.dialect), "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := r.dialect.rebind(`SELECT ` + entryColumns + ` FROM audit_entries
		WHERE scope_id = ? AND sequence_number = ? ORDER BY id LIMIT 1`)

	e, err = scanEntry(r.db.QueryRowContext(ctx, query, scopeID, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return e, nil
}

// Scan pages through the range with keyset pagination on
// (sequence_number, id), so duplicated sequence numbers are still visited.
func (r *SQLRepository) Scan(ctx context.Context, scopeID string, from, to int64, batchSize int, fn func(*Entry) error) error {
	if batchSize <= 0 {
		batchSize = DefaultScanBatchSize
	}
	if to <= 0 {
		to = math.MaxInt64
	}

	first := r.dialect.rebind(`SELECT ` + entryColumns + ` FROM audit_entries
		WHERE scope_id = ? AND sequence_number >= ? AND sequence_number <= ?
		ORDER BY sequence_number, id LIMIT ?`)
	next := r.dialect.rebind(`SELECT ` + entryColumns + ` FROM audit_entries
		WHERE scope_id = ? AND (sequence_number > ? OR (sequence_number = ? AND id > ?))
		AND sequence_number <= ?
		ORDER BY sequence_number, id LIMIT ?`)

	var (
		lastSeq int64
		lastID  string
		started bool
	)
	for {
		var batch []*Entry
		var err error
		if !started {
			batch, err = r.queryBatch(ctx, first, scopeID, from, to, batchSize)
			started = true
		} else {
			batch, err = r.queryBatch(ctx, next, scopeID, lastSeq, lastSeq, lastID, to, batchSize)
		}
		if err != nil {
			return storageErr("scan", err)
		}

		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		lastSeq, lastID = last.Sequence, last.ID
	}
}

func (r *SQLRepository) queryBatch(ctx context.Context, query string, args ...any) (batch []*Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(r.dialect), "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return batch, nil
}

// Scopes lists every scope with at least one entry.
func (r *SQLRepository) Scopes(ctx context.Context) (scopes []string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(r.dialect), "audit_entries", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT scope_id FROM audit_entries ORDER BY scope_id`)
	if err != nil {
		return nil, storageErr("scopes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scopes", err)
		}
		scopes = append(scopes, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scopes", err)
	}
	return scopes, nil
}

// QueryByActor returns the actor's entries across scopes, newest first.
func (r *SQLRepository) QueryByActor(ctx context.Context, actorID string, limit int) (entries []*Entry, err error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries
		WHERE actor_id = ? ORDER BY created_at DESC, scope_id DESC, sequence_number DESC`
	args := []any{actorID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	entries, err = r.queryBatch(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("actor query", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e            Entry
		eventType    string
		resourceType string
		metadata     string
		created      dbTime
		prevHash     string
		entryHash    string
	)
	err := row.Scan(&e.ID, &e.ScopeID, &e.Sequence, &eventType, &resourceType, &e.ResourceID,
		&e.ActorID, &metadata, &e.Client.IPAddress, &e.Client.UserAgent, &created, &prevHash, &entryHash)
	if err != nil {
		return nil, err
	}

	e.EventType = ParseEventType(eventType)
	e.ResourceType = ParseResourceType(resourceType)
	e.CreatedAt = created.Time
	if e.Metadata, err = decodeMetadataJSON([]byte(metadata)); err != nil {
		return nil, fmt.Errorf("entry %s/%d: %w", e.ScopeID, e.Sequence, err)
	}
	if e.PrevHash, err = ParseHash(prevHash); err != nil {
		return nil, fmt.Errorf("entry %s/%d prev_hash: %w", e.ScopeID, e.Sequence, err)
	}
	if e.EntryHash, err = ParseHash(entryHash); err != nil {
		return nil, fmt.Errorf("entry %s/%d entry_hash: %w", e.ScopeID, e.Sequence, err)
	}
	return &e, nil
}

func encodeMetadataJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := marshalJSON(m)
	if err != nil {
		return "", &EncodingError{Path: "metadata", Reason: err.Error()}
	}
	return string(raw), nil
}

// dbTime scans TIMESTAMPTZ columns as well as RFC 3339 text columns.
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
