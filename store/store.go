// Package store provides dagcore.Store implementations. The interface
// itself lives in the parent dagcore package (../store_interface.go) so
// the engine and builder packages can depend on it without importing any
// particular backend.
//
// Four backends share the same conditional-write contract (spec.md §4.1):
//   - MemoryStore: mutex-guarded maps, the conformance baseline (memory.go)
//   - SQLiteStore: modernc.org/sqlite + jmoiron/sqlx (sqlite.go)
//   - PostgresStore: jackc/pgx/v5 (postgres.go)
//   - DynamoDBStore: single-table AWS DynamoDB (dynamodb.go, schema.go)
package store
