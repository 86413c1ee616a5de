// Copyright 2023 Greptime Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mysqlstore is a pkg/store.Snapshotter backed by MySQL, one row
// per service keyed by id. It answers spec.md §9 Open Question 4: a durable
// backing store so the three registry indexes are re-derivable on restart.
package mysqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/nebulamesh/controlplane/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS control_plane_services (
	id         VARCHAR(16) PRIMARY KEY,
	owner      VARCHAR(64) NOT NULL,
	namespace  VARCHAR(63) NOT NULL,
	name       VARCHAR(63) NOT NULL,
	status     VARCHAR(16) NOT NULL,
	payload    LONGBLOB NOT NULL,
	UNIQUE KEY uniq_namespace_name (namespace, name)
)`

// Store is a MySQL-backed Snapshotter.
type Store struct {
	db *sql.DB
}

var _ store.Snapshotter = (*Store)(nil)

// Open connects to dsn (a go-sql-driver/mysql data source name) and ensures
// the backing table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns every persisted service record.
func (s *Store) Load(ctx context.Context) ([]*store.ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, namespace, name, status, payload FROM control_plane_services`)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: load: %w", err)
	}
	defer rows.Close()

	var out []*store.ServiceRecord
	for rows.Next() {
		rec := &store.ServiceRecord{}
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Namespace, &rec.Name, &rec.StatusRaw, &rec.Payload); err != nil {
			return nil, fmt.Errorf("mysqlstore: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save upserts one service record.
func (s *Store) Save(ctx context.Context, rec *store.ServiceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_plane_services (id, owner, namespace, name, status, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE owner=VALUES(owner), status=VALUES(status), payload=VALUES(payload)`,
		rec.ID, rec.Owner, rec.Namespace, rec.Name, rec.StatusRaw, rec.Payload)
	if err != nil {
		return fmt.Errorf("mysqlstore: save %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a service record by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM control_plane_services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mysqlstore: delete %s: %w", id, err)
	}
	return nil
}
