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

// Package store defines the durable persistence interfaces the registry and
// reconciler consult, resolving spec.md §9 Open Question 4 ("persistence is
// out of scope but will be required for real deployments") without making
// the in-memory core depend on any one backend.
package store

import (
	"context"
	"time"
)

// Snapshotter persists and restores the registry's three indexes. Load is
// called once, by Registry.Rehydrate, to rebuild in-memory state; Save is
// called on every committed mutation and Delete when a service is terminated.
type Snapshotter interface {
	Load(ctx context.Context) ([]*ServiceRecord, error)
	Save(ctx context.Context, svc *ServiceRecord) error
	Delete(ctx context.Context, id string) error
}

// ServiceRecord is the durable, backend-agnostic representation of a
// registry.Service. Kept separate from registry.Service so storage backends
// never need to import pkg/registry.
type ServiceRecord struct {
	ID        string
	Owner     string
	Namespace string
	Name      string
	SpecYAML  []byte
	StatusRaw string
	Payload   []byte // full JSON-encoded registry.Service, opaque to this package
}

// NoopSnapshotter is the zero-configuration Snapshotter used when no durable
// store is configured: Load returns nothing to rehydrate, Save/Delete are
// no-ops. The reconciler and coordinator are unaware of which Snapshotter is
// in effect.
type NoopSnapshotter struct{}

func (NoopSnapshotter) Load(context.Context) ([]*ServiceRecord, error) { return nil, nil }
func (NoopSnapshotter) Save(context.Context, *ServiceRecord) error     { return nil }
func (NoopSnapshotter) Delete(context.Context, string) error           { return nil }

// EventKind enumerates the audit-worthy occurrences pkg/store.EventLog
// records, drawn from the error taxonomy and state-transition events of
// spec.md §7.
type EventKind string

const (
	EventElection      EventKind = "election"
	EventDKGOutcome    EventKind = "dkg_outcome"
	EventFatalError    EventKind = "fatal_error"
	EventRecovery      EventKind = "recovery"
)

// Event is one durable audit record.
type Event struct {
	ServiceID string
	Ordinal   *int
	Kind      EventKind
	Detail    string
	At        time.Time
}

// EventLog appends audit records for operator consumption after a service
// lands in failed/degraded (spec.md §7 propagation policy).
type EventLog interface {
	Append(ctx context.Context, ev Event) error
}

// NoopEventLog discards every event.
type NoopEventLog struct{}

func (NoopEventLog) Append(context.Context, Event) error { return nil }
