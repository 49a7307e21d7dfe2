// Package audit persists decision events emitted by the orchestrator. It is
// best-effort relative to the decision itself: a persistence failure is
// logged by the caller but never changes the permit/deny outcome already
// returned to the caller.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/latticeiot/abacgate/pkg/attrid"
	"github.com/latticeiot/abacgate/pkg/catalog"
	"github.com/latticeiot/abacgate/pkg/condition"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists Records to Postgres.
type Writer struct {
	DB auditDB
}

// Record is the audit event shape from spec.md §4.4: emitted once per
// request_access call, never by check_access.
type Record struct {
	DecisionID    string
	Subject       attrid.Identifier
	Resource      attrid.Identifier
	Action        condition.Action
	Permit        bool
	MatchedPolicy catalog.PolicyID
	CreatedAt     time.Time
}

// Append writes rec. Errors are returned for the caller to log; they never
// retroactively change the decision already made.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, subject, resource, action, permit, matched_policy_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.DecisionID, rec.Subject[:], rec.Resource[:], int(rec.Action), rec.Permit, uint64(rec.MatchedPolicy), rec.CreatedAt)
	return err
}

// AttributeRecord is the audit event spec.md §4.1 mandates as a side effect
// of every accepted attribute write: one record per (identifier, key,
// value) write, independent of the decision audit Record above.
type AttributeRecord struct {
	Subject   bool
	ID        attrid.Identifier
	Key       attrid.AttributeKey
	Value     attrid.AttributeValue
	CreatedAt time.Time
}

// AppendAttribute writes an attribute-set audit event.
func (w *Writer) AppendAttribute(ctx context.Context, rec AttributeRecord) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO attribute_audit_events (subject, identifier, attribute_key, attribute_value, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.Subject, rec.ID[:], rec.Key[:], rec.Value[:], rec.CreatedAt)
	return err
}

// Get fetches a previously appended record by decision id.
func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, subject, resource, action, permit, matched_policy_id, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)

	var (
		subject, resource []byte
		action            int
		matched           uint64
	)
	var rec Record
	if err := row.Scan(&rec.DecisionID, &subject, &resource, &action, &rec.Permit, &matched, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Subject = attrid.IdentifierFromBytes(subject)
	rec.Resource = attrid.IdentifierFromBytes(resource)
	rec.Action = condition.Action(action)
	rec.MatchedPolicy = catalog.PolicyID(matched)
	return rec, nil
}
