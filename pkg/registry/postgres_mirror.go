package registry

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

type mirrorDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresMirror persists every accepted attribute write to a
// subject_attributes/object_attributes table so a restarted gateway can
// replay its last-known state. The in-memory Registry stays authoritative;
// a mirror failure never unwinds the write it mirrors, it only reaches
// OnError if set.
type PostgresMirror struct {
	DB      mirrorDB
	OnError func(error)
}

// Emit implements Sink. It upserts the written value by (identifier, key)
// so the mirror always reflects the latest accepted write.
func (m *PostgresMirror) Emit(evt WriteEvent) {
	ctx := context.Background()
	var err error
	if evt.Subject {
		_, err = m.DB.Exec(ctx, `
			INSERT INTO subject_attributes (identifier, attribute_key, attribute_value)
			VALUES ($1,$2,$3)
			ON CONFLICT (identifier, attribute_key) DO UPDATE SET attribute_value = EXCLUDED.attribute_value
		`, evt.ID[:], evt.Key[:], evt.Value[:])
	} else {
		_, err = m.DB.Exec(ctx, `
			INSERT INTO object_attributes (identifier, attribute_key, attribute_value)
			VALUES ($1,$2,$3)
			ON CONFLICT (identifier, attribute_key) DO UPDATE SET attribute_value = EXCLUDED.attribute_value
		`, evt.ID[:], evt.Key[:], evt.Value[:])
	}
	if err != nil && m.OnError != nil {
		m.OnError(err)
	}
}
