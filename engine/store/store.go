// Package store provides persistence backends for the workflow engine.
//
// Four implementations of engine.Store are available:
//   - MemStore: in-memory, for tests and development
//   - SQLiteStore: single-file database with zero setup (modernc.org/sqlite)
//   - MySQLStore: MySQL/MariaDB for shared deployments
//   - PostgresStore: PostgreSQL via pgx
//
// The SQL backends persist each aggregate (definition, instance, task,
// event, outbox row) as a JSON document alongside the columns the
// engine's queries filter and order by. The engine never queries inside
// the documents; indexed columns cover every access path.
package store

import (
	"encoding/json"
	"fmt"
)

// encodeDoc serializes an aggregate to its stored JSON document.
func encodeDoc(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(data), nil
}

// decodeDoc deserializes a stored JSON document into out.
func decodeDoc(doc string, out any) error {
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}
