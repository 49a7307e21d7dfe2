package catalog

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"
)

type mirrorDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresMirror persists every accepted catalog mutation to a
// policies/policy_index table for audit replay and cmd/migrator
// bootstrapping. The in-memory Catalog stays authoritative for decisions;
// a mirror failure only reaches OnError if set.
type PostgresMirror struct {
	DB      mirrorDB
	OnError func(error)
}

// Emit implements Sink.
func (m *PostgresMirror) Emit(evt WriteEvent) {
	ctx := context.Background()
	conditions, err := json.Marshal(evt.Rule.Conditions)
	if err != nil {
		if m.OnError != nil {
			m.OnError(err)
		}
		return
	}
	_, err = m.DB.Exec(ctx, `
		INSERT INTO policies (policy_id, resource, action, conditions, enabled)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (policy_id) DO UPDATE SET
			resource = EXCLUDED.resource,
			action = EXCLUDED.action,
			conditions = EXCLUDED.conditions,
			enabled = EXCLUDED.enabled
	`, uint64(evt.Rule.ID), evt.Rule.Resource[:], int(evt.Rule.Action), conditions, evt.Rule.Enabled)
	if err != nil {
		if m.OnError != nil {
			m.OnError(err)
		}
		return
	}
	if evt.Op == "delete" {
		_, err = m.DB.Exec(ctx, `DELETE FROM policy_index WHERE policy_id=$1`, uint64(evt.Rule.ID))
	} else {
		_, err = m.DB.Exec(ctx, `
			INSERT INTO policy_index (policy_id, resource, action)
			VALUES ($1,$2,$3)
			ON CONFLICT (policy_id) DO UPDATE SET resource = EXCLUDED.resource, action = EXCLUDED.action
		`, uint64(evt.Rule.ID), evt.Rule.Resource[:], int(evt.Rule.Action))
	}
	if err != nil && m.OnError != nil {
		m.OnError(err)
	}
}
