package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"warden/internal/domain"
)

// Genesis is the previous-hash marker of the first entry.
const Genesis = "genesis"

// Ledger is an append-only, hash-chained audit log backed by SQLite.
// Each entry's current_hash covers the canonical serialization of the entry
// (minus the two hash fields) concatenated with the previous entry's
// current_hash, keyed with an HMAC secret. Entries are never updated or
// deleted; Verify detects any retroactive edit.
type Ledger struct {
	db     *sql.DB
	secret []byte
	logger *slog.Logger
	now    func() time.Time

	// mu spans the read-last-hash + insert sequence. Two concurrent appends
	// observing the same previous hash would fork the chain.
	mu sync.Mutex
}

// ChainIntegrityError reports a failed Verify. It is diagnostic only; the
// ledger never repairs a broken chain.
type ChainIntegrityError struct {
	Errors []domain.VerifyError
}

func (e ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity: %d mismatched entries", len(e.Errors))
}

// New returns a Ledger writing to db with the given HMAC secret.
func New(db *sql.DB, secret []byte, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, secret: secret, logger: logger, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (l *Ledger) SetNow(now func() time.Time) { l.now = now }

type hashable struct {
	RequestID    string         `json:"request_id"`
	Timestamp    string         `json:"timestamp"`
	EventType    string         `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details"`
}

// entryHash computes HMAC-SHA256 over the RFC 8785 canonical form of the
// entry's non-hash fields followed by the previous hash.
func (l *Ledger) entryHash(e domain.AuditEntry, previousHash string) (string, error) {
	raw, err := json.Marshal(hashable{
		RequestID:    e.RequestID,
		Timestamp:    e.Timestamp,
		EventType:    e.EventType,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Actor:        e.Actor,
		Details:      e.Details,
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(canonical)
	mac.Write([]byte(previousHash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Append inserts one entry at the chain head and returns its entry id.
func (l *Ledger) Append(ctx context.Context, requestID, eventType, resourceType, resourceID, actor string, details map[string]any) (string, error) {
	if details == nil {
		details = map[string]any{}
	}
	entry := domain.AuditEntry{
		EntryID:      uuid.New().String(),
		RequestID:    requestID,
		Timestamp:    l.now().UTC().Format(time.RFC3339Nano),
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	previousHash, err := l.lastHash(ctx)
	if err != nil {
		return "", err
	}
	currentHash, err := l.entryHash(entry, previousHash)
	if err != nil {
		return "", err
	}
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO audit_entries
		(entry_id, request_id, timestamp, event_type, resource_type, resource_id, actor, details_json, previous_hash, current_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		entry.EntryID, entry.RequestID, entry.Timestamp, entry.EventType, entry.ResourceType,
		entry.ResourceID, entry.Actor, string(detailsJSON), previousHash, currentHash)
	if err != nil {
		return "", fmt.Errorf("insert audit entry: %w", err)
	}
	l.logger.Debug("audit entry appended",
		"entry_id", entry.EntryID,
		"event_type", eventType,
		"resource", resourceType+":"+resourceID)
	return entry.EntryID, nil
}

func (l *Ledger) lastHash(ctx context.Context) (string, error) {
	var h string
	err := l.db.QueryRowContext(ctx, `SELECT current_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if err == sql.ErrNoRows {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return h, nil
}

// Verify walks the full ledger in insertion order, recomputing each entry's
// hash and checking previous-hash linkage. Both checks are reported
// independently and verification never short-circuits, so a single pass
// surfaces all tampering.
func (l *Ledger) Verify(ctx context.Context) (domain.VerifyResult, error) {
	entries, err := l.scan(ctx, `SELECT entry_id, request_id, timestamp, event_type, resource_type, resource_id, actor, details_json, previous_hash, current_hash
		FROM audit_entries ORDER BY seq`)
	if err != nil {
		return domain.VerifyResult{}, err
	}

	result := domain.VerifyResult{Status: "OK", TotalEntries: len(entries)}
	previousHash := Genesis
	for _, e := range entries {
		expected, err := l.entryHash(e, previousHash)
		if err != nil {
			return domain.VerifyResult{}, err
		}
		if expected != e.CurrentHash {
			result.Errors = append(result.Errors, domain.VerifyError{
				EntryID:  e.EntryID,
				Check:    "hash",
				Expected: expected,
				Actual:   e.CurrentHash,
			})
		}
		if e.PreviousHash != previousHash {
			result.Errors = append(result.Errors, domain.VerifyError{
				EntryID:  e.EntryID,
				Check:    "previous_hash",
				Expected: previousHash,
				Actual:   e.PreviousHash,
			})
		}
		// Linkage for the next entry is judged against the stored hash, not
		// the recomputed one, so a single tampered entry yields exactly one
		// hash error plus one linkage error on its successor.
		previousHash = e.CurrentHash
	}
	if len(result.Errors) > 0 {
		result.Status = "MISMATCH"
	}
	return result, nil
}

// Export returns the filtered entries plus a fresh full-chain verification.
// Filters are mutually exclusive; requestID wins when both are set.
func (l *Ledger) Export(ctx context.Context, requestID, tenantID string) (domain.AuditPackage, error) {
	var (
		entries []domain.AuditEntry
		err     error
	)
	base := `SELECT entry_id, request_id, timestamp, event_type, resource_type, resource_id, actor, details_json, previous_hash, current_hash FROM audit_entries`
	switch {
	case requestID != "":
		entries, err = l.scan(ctx, base+` WHERE request_id=? ORDER BY seq`, requestID)
	case tenantID != "":
		// literal match on the parsed details; a LIKE over details_json
		// would over-match tenant ids containing % or _
		entries, err = l.scan(ctx, base+` ORDER BY seq`)
		if err == nil {
			entries = filterTenant(entries, tenantID)
		}
	default:
		entries, err = l.scan(ctx, base+` ORDER BY seq`)
	}
	if err != nil {
		return domain.AuditPackage{}, err
	}
	verification, err := l.Verify(ctx)
	if err != nil {
		return domain.AuditPackage{}, err
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return domain.AuditPackage{
		PackageID:       uuid.New().String(),
		ExportTimestamp: l.now().UTC().Format(time.RFC3339Nano),
		RequestID:       requestID,
		TenantID:        tenantID,
		EntryCount:      len(entries),
		Entries:         entries,
		Verification:    verification,
	}, nil
}

// Tail returns the most recent n entries, newest first.
func (l *Ledger) Tail(ctx context.Context, n int) ([]domain.AuditEntry, error) {
	if n <= 0 {
		n = 20
	}
	return l.scan(ctx, `SELECT entry_id, request_id, timestamp, event_type, resource_type, resource_id, actor, details_json, previous_hash, current_hash
		FROM audit_entries ORDER BY seq DESC LIMIT ?`, n)
}

// Stats summarizes the ledger without exporting it.
func (l *Ledger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	stats := domain.LedgerStats{EventTypeCounts: map[string]int{}}
	rows, err := l.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM audit_entries GROUP BY event_type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return stats, err
		}
		stats.EventTypeCounts[t] = n
		stats.TotalEntries += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	var first, last sql.NullString
	err = l.db.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM audit_entries`).Scan(&first, &last)
	if err != nil {
		return stats, err
	}
	if first.Valid {
		stats.FirstEntry = first.String
	}
	if last.Valid {
		stats.LastEntry = last.String
	}
	return stats, nil
}

func filterTenant(entries []domain.AuditEntry, tenantID string) []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range entries {
		if v, ok := e.Details["tenant_id"].(string); ok && v == tenantID {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) scan(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailsJSON string
		if err := rows.Scan(&e.EntryID, &e.RequestID, &e.Timestamp, &e.EventType, &e.ResourceType,
			&e.ResourceID, &e.Actor, &detailsJSON, &e.PreviousHash, &e.CurrentHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("entry %s details: %w", e.EntryID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
