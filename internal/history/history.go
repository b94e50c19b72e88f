// Package history implements the append-only history sink (component
// G, spec.md §6): a narrow write interface the orchestrator and
// executor call into, backed by PostgreSQL. Grounded on the teacher's
// internal/db package (the DB wrapper around *sql.DB, $1-placeholder
// queries, uuid.New() primary keys), repurposed here from DCP package
// metadata to transfer events.
package history

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// DB wraps the database connection, mirroring internal/db.DB's thin
// embedding of *sql.DB.
type DB struct {
	*sql.DB
}

// Connect opens and verifies a PostgreSQL connection, matching
// internal/db.Connect's Ping-then-pool-tune sequence.
func Connect(connStr string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)

	log.Println("[history] connected to history database")
	return &DB{sqlDB}, nil
}

// Schema is the DDL the operator runs once. Kept here, not executed
// automatically, matching the teacher's own lack of in-process
// migrations (schema setup is an operational concern, not a runtime
// one).
const Schema = `
CREATE TABLE IF NOT EXISTS transfer_events (
	id UUID PRIMARY KEY,
	hash TEXT NOT NULL,
	event TEXT NOT NULL,
	name TEXT,
	from_client TEXT,
	to_client TEXT,
	bytes_done BIGINT,
	bytes_total BIGINT,
	speed DOUBLE PRECISION,
	reason TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transfer_events_hash_idx ON transfer_events (hash);
`

// Sink is the history sink's append interface, matching the
// Executor/History and orchestrator dependency exactly (spec.md §6:
// "the orchestrator emits structured events at transitions it
// considers reportable"). Every method is best-effort: a failure here
// must never affect the driver (spec.md §6 "Sink is best-effort").
type Sink struct {
	db *DB
}

func NewSink(db *DB) *Sink {
	return &Sink{db: db}
}

func (s *Sink) insert(event, hash string, fields map[string]interface{}) {
	if s == nil || s.db == nil {
		return
	}
	query := `
		INSERT INTO transfer_events
			(id, hash, event, name, from_client, to_client, bytes_done, bytes_total, speed, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(query,
		uuid.New(), hash, event,
		fields["name"], fields["from"], fields["to"],
		fields["bytes_done"], fields["bytes_total"], fields["speed"], fields["reason"],
		time.Now(),
	)
	if err != nil {
		log.Printf("[history] failed to record %s for %s: %v", event, hash, err)
	}
}

func (s *Sink) RecordTransferStarted(hash, name, from, to string, size int64) {
	s.insert("transfer_started", hash, map[string]interface{}{
		"name": name, "from": from, "to": to, "bytes_total": size,
	})
}

func (s *Sink) RecordProgress(hash string, bytesDone, bytesTotal int64, speed float64) {
	s.insert("transfer_progress", hash, map[string]interface{}{
		"bytes_done": bytesDone, "bytes_total": bytesTotal, "speed": speed,
	})
}

func (s *Sink) RecordCompleted(hash string) {
	s.insert("transfer_completed", hash, nil)
}

func (s *Sink) RecordFailed(hash, reason string) {
	s.insert("transfer_failed", hash, map[string]interface{}{"reason": reason})
}
