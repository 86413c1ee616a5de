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

// Package pgeventlog is a pkg/store.EventLog backed by Postgres via
// go-pg/pg, recording elections, DKG outcomes, recoveries, and fatal errors
// for operator consumption after a service lands in failed/degraded
// (spec.md §7 propagation policy).
package pgeventlog

import (
	"context"
	"fmt"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"

	"github.com/nebulamesh/controlplane/pkg/store"
)

// record is the ORM-mapped row for one durable event.
type record struct {
	tableName struct{} `pg:"control_plane_events"` //nolint:unused

	ID        int64 `pg:",pk"`
	ServiceID string
	Ordinal   int
	HasOrdinal bool
	Kind      string
	Detail    string
	At        int64 // unix nanos; store passes already-stamped timestamps
}

// Log is a Postgres-backed EventLog.
type Log struct {
	db *pg.DB
}

var _ store.EventLog = (*Log)(nil)

// Open connects to Postgres using opts and ensures the backing table
// exists, mirroring the teacher's SQL-connector construction idiom adapted
// to an ORM-managed schema instead of a raw client session.
func Open(ctx context.Context, opts *pg.Options) (*Log, error) {
	db := pg.Connect(opts)
	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgeventlog: connect: %w", err)
	}
	if err := db.Model((*record)(nil)).CreateTable(&orm.CreateTableOptions{IfNotExists: true}); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgeventlog: create table: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append inserts one audit event.
func (l *Log) Append(ctx context.Context, ev store.Event) error {
	rec := &record{
		ServiceID: ev.ServiceID,
		Kind:      string(ev.Kind),
		Detail:    ev.Detail,
		At:        ev.At.UnixNano(),
	}
	if ev.Ordinal != nil {
		rec.Ordinal = *ev.Ordinal
		rec.HasOrdinal = true
	}
	if _, err := l.db.ModelContext(ctx, rec).Insert(); err != nil {
		return fmt.Errorf("pgeventlog: append: %w", err)
	}
	return nil
}
