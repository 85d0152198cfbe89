// Package audit implements an append-only ledger whose records carry an
// HMAC-SHA256 signature over every stored field.
package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/observability"
)

// DefaultActor is recorded when an entry has no actor
const DefaultActor = "system"

// Entry is the caller-supplied part of an audit record
type Entry struct {
	EventType  string
	EntityType string
	EntityID   string // optional
	ActorID    string // optional, defaults to DefaultActor
	Data       map[string]any
}

// Record is one stored audit row
type Record struct {
	ID         int64          `db:"id"`
	EventType  string         `db:"event_type"`
	EntityType string         `db:"entity_type"`
	EntityID   sql.NullString `db:"entity_id"`
	ActorID    string         `db:"actor_id"`
	Timestamp  float64        `db:"timestamp"`
	DataJSON   string         `db:"data_json"`
	Signature  string         `db:"signature"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Filter narrows a listing; empty fields match everything
type Filter struct {
	EntityType string
	EntityID   string
	EventType  string
	Limit      int
}

// Summary is the outcome of verifying a batch of records
type Summary struct {
	Total     int     `json:"total"`
	Valid     int     `json:"valid"`
	Invalid   int     `json:"invalid"`
	Integrity float64 `json:"integrity"`
}

// Stats aggregates the ledger contents
type Stats struct {
	TotalLogs    int            `json:"total_logs"`
	Recent24h    int            `json:"recent_24h"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ByEventType  map[string]int `json:"by_event_type"`
}

// Ledger appends and verifies signed audit records
type Ledger struct {
	db      *sqlx.DB
	secret  []byte
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger creates a ledger signing with secret
func NewLedger(db *sqlx.DB, secret []byte, metrics *observability.Metrics, logger *slog.Logger) (*Ledger, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("audit secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	return &Ledger{
		db:      db,
		secret:  append([]byte(nil), secret...),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Log appends a signed record and returns its id
func (l *Ledger) Log(ctx context.Context, e Entry) (int64, error) {
	if strings.TrimSpace(e.EventType) == "" {
		return 0, domain.NewValidationError("event_type", "is required")
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return 0, domain.NewValidationError("entity_type", "is required")
	}
	if e.ActorID == "" {
		e.ActorID = DefaultActor
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}

	data, err := canonicalJSON(e.Data)
	if err != nil {
		return 0, domain.NewValidationError("data", fmt.Sprintf("not encodable: %v", err))
	}

	// microsecond resolution survives a REAL / DOUBLE PRECISION round trip
	ts := float64(l.now().UnixMicro()) / 1e6
	entityID := sql.NullString{String: e.EntityID, Valid: e.EntityID != ""}
	sig := l.sign(e.EventType, e.EntityType, entityID, e.ActorID, ts, data)

	var id int64
	err = l.db.QueryRowxContext(ctx, l.db.Rebind(`
		INSERT INTO audit_log (event_type, entity_type, entity_id, actor_id, timestamp, data_json, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), e.EventType, e.EntityType, entityID, e.ActorID, ts, string(data), sig).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append audit record: %w", err)
	}

	l.metrics.AuditRecorded(e.EventType)
	l.logger.Info("Audit record appended",
		slog.Int64("audit_id", id),
		slog.String("event_type", e.EventType),
		slog.String("entity_type", e.EntityType),
		slog.String("entity_id", e.EntityID),
	)
	return id, nil
}

// sign computes the hex HMAC over the pipe-joined record fields
func (l *Ledger) sign(eventType, entityType string, entityID sql.NullString, actorID string, ts float64, data []byte) string {
	actor := actorID
	if actor == "" {
		actor = DefaultActor
	}
	msg := strings.Join([]string{
		eventType,
		entityType,
		entityID.String,
		actor,
		strconv.FormatFloat(ts, 'f', -1, 64),
		string(data),
	}, "|")

	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON re-encodes v with sorted object keys and original number text
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// valid recomputes the signature over the stored bytes exactly as read
func (l *Ledger) valid(r *Record) bool {
	expected := l.sign(r.EventType, r.EntityType, r.EntityID, r.ActorID, r.Timestamp, []byte(r.DataJSON))
	ok := hmac.Equal([]byte(expected), []byte(r.Signature))
	if !ok {
		l.metrics.AuditTamperDetected()
		l.logger.Error("Audit tamper detected",
			slog.Int64("audit_id", r.ID),
			slog.String("expected", truncate(expected)),
			slog.String("actual", truncate(r.Signature)),
		)
	}
	return ok
}

func truncate(sig string) string {
	if len(sig) <= 16 {
		return sig
	}
	return sig[:16] + "..."
}

const selectRecord = `SELECT id, event_type, entity_type, entity_id, actor_id, timestamp, data_json, signature, created_at FROM audit_log`

// Get loads one record
func (l *Ledger) Get(ctx context.Context, id int64) (*Record, error) {
	var r Record
	err := l.db.GetContext(ctx, &r, l.db.Rebind(selectRecord+` WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAuditRecordNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return &r, nil
}

// Verify reports whether the stored record still matches its signature
func (l *Ledger) Verify(ctx context.Context, id int64) (bool, error) {
	r, err := l.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return l.valid(r), nil
}

// VerifyAll checks the most recent limit records
func (l *Ledger) VerifyAll(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = 1000
	}
	records, err := l.List(ctx, Filter{Limit: limit})
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Total: len(records), Integrity: 1.0}
	for i := range records {
		if l.valid(&records[i]) {
			s.Valid++
		}
	}
	s.Invalid = s.Total - s.Valid
	if s.Total > 0 {
		s.Integrity = float64(s.Valid) / float64(s.Total)
	}

	l.logger.Info("Audit verification finished",
		slog.Int("total", s.Total),
		slog.Int("valid", s.Valid),
		slog.Int("invalid", s.Invalid),
	)
	return s, nil
}

// List returns records matching f, newest first
func (l *Ledger) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := selectRecord + ` WHERE 1=1`
	var args []any
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	records := []Record{}
	if err := l.db.SelectContext(ctx, &records, l.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}

// Stats counts records in total, in the last 24h and per type
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	s := Stats{ByEntityType: map[string]int{}, ByEventType: map[string]int{}}

	if err := l.db.GetContext(ctx, &s.TotalLogs, `SELECT COUNT(*) FROM audit_log`); err != nil {
		return s, fmt.Errorf("failed to count audit records: %w", err)
	}

	dayAgo := float64(l.now().Add(-24*time.Hour).UnixMicro()) / 1e6
	if err := l.db.GetContext(ctx, &s.Recent24h, l.db.Rebind(`SELECT COUNT(*) FROM audit_log WHERE timestamp > ?`), dayAgo); err != nil {
		return s, fmt.Errorf("failed to count recent audit records: %w", err)
	}

	type group struct {
		Key   string `db:"k"`
		Count int    `db:"n"`
	}
	for column, into := range map[string]map[string]int{
		"entity_type": s.ByEntityType,
		"event_type":  s.ByEventType,
	} {
		var groups []group
		query := fmt.Sprintf(`SELECT %[1]s AS k, COUNT(*) AS n FROM audit_log GROUP BY %[1]s`, column)
		if err := l.db.SelectContext(ctx, &groups, query); err != nil {
			return s, fmt.Errorf("failed to group audit records by %s: %w", column, err)
		}
		for _, g := range groups {
			into[g.Key] = g.Count
		}
	}
	return s, nil
}

// ShortSignature returns the truncated signature shown to API callers
func (r *Record) ShortSignature() string {
	return truncate(r.Signature)
}

// Data decodes the stored payload
func (r *Record) Data() (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(r.DataJSON), &data); err != nil {
		return nil, fmt.Errorf("failed to decode audit data: %w", err)
	}
	return data, nil
}
