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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nebulamesh/controlplane/pkg/idgen"
	"github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/spec"
	"github.com/nebulamesh/controlplane/pkg/store"
)

// toRecord marshals svc into the backend-agnostic durable representation.
func toRecord(svc *Service) (*store.ServiceRecord, error) {
	payload, err := json.Marshal(svc)
	if err != nil {
		return nil, err
	}
	return &store.ServiceRecord{
		ID:        svc.ID,
		Owner:     svc.Owner,
		Namespace: svc.Namespace,
		Name:      svc.Name,
		StatusRaw: string(svc.Status),
		Payload:   payload,
	}, nil
}

// fromRecord unmarshals a durable record back into a Service.
func fromRecord(rec *store.ServiceRecord) (*Service, error) {
	var svc Service
	if err := json.Unmarshal(rec.Payload, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

// entry wraps one Service with the mutex that serializes every mutation of
// it, per the per-service lock described in spec.md §5. The registry-wide
// lock below is acquired strictly outside of any entry's lock.
type entry struct {
	mu  sync.Mutex
	svc *Service
}

// Registry is the in-memory authoritative index of declared services. It
// generalizes the teacher's one-process-global-cluster model
// (pkg/cluster/baremetal.Cluster) to N concurrently-held service entries,
// each independently lockable.
type Registry struct {
	mu sync.RWMutex

	byID   map[string]*entry
	byName map[string]*entry            // "namespace/name" -> entry
	byOwner map[string]map[string]*entry // owner (lowercased) -> id -> entry

	snapshotter store.Snapshotter
	logger      logger.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithSnapshotter attaches a durable store consulted at Rehydrate time and
// written to on every committed mutation (Open Question 4).
func WithSnapshotter(s store.Snapshotter) Option {
	return func(r *Registry) {
		r.snapshotter = s
	}
}

// WithLogger attaches a logger; defaults to a no-op discard logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:    make(map[string]*entry),
		byName:  make(map[string]*entry),
		byOwner: make(map[string]map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.snapshotter == nil {
		r.snapshotter = store.NoopSnapshotter{}
	}
	if r.logger == nil {
		r.logger = logger.Discard()
	}
	return r
}

func nameKey(namespace, name string) string {
	return namespace + "/" + name
}

// Rehydrate loads every persisted service from the configured Snapshotter
// and rebuilds the three in-memory indexes. It must be called before any
// other Registry method, and only once, per spec.md §6's persistence note.
func (r *Registry) Rehydrate(ctx context.Context) error {
	recs, err := r.snapshotter.Load(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: load snapshots: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		svc, err := fromRecord(rec)
		if err != nil {
			r.logger.Warnf("rehydrate: skip malformed record %s: %v", rec.ID, err)
			continue
		}
		e := &entry{svc: svc}
		r.byID[svc.ID] = e
		r.byName[nameKey(svc.Namespace, svc.Name)] = e
		owner := strings.ToLower(svc.Owner)
		if r.byOwner[owner] == nil {
			r.byOwner[owner] = make(map[string]*entry)
		}
		r.byOwner[owner][svc.ID] = e
	}
	r.logger.V(0).Infof("rehydrated %d services from durable store", len(recs))
	return nil
}

// Create registers a new service in `creating` status. It fails with
// *AlreadyExistsError if (namespace, name) is taken and *InvalidSpecError if
// the spec fails validation. The returned Service has no replicas yet — the
// reconciler drives provisioning from this point (spec.md §4.1).
func (r *Registry) Create(ctx context.Context, owner string, s spec.ServiceSpec) (*Service, error) {
	s.Defaults()
	if err := s.Validate(); err != nil {
		return nil, &InvalidSpecError{Cause: err}
	}

	key := nameKey(s.Namespace, s.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[key]; ok {
		return nil, &AlreadyExistsError{Namespace: s.Namespace, Name: s.Name}
	}

	now := time.Now()
	svc := &Service{
		ID:               idgen.ServiceID(s.Namespace, s.Name, owner, now),
		Owner:            owner,
		Namespace:        s.Namespace,
		Name:             s.Name,
		Spec:             s,
		Status:           ServiceCreating,
		HeadlessEndpoint: idgen.HeadlessEndpoint(s.Name, s.Namespace, "mesh"),
		ClusterEndpoint:  idgen.ClusterEndpoint(s.Name, s.Namespace, "mesh"),
		Generation:       1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	e := &entry{svc: svc}
	r.byID[svc.ID] = e
	r.byName[key] = e
	owner = strings.ToLower(owner)
	if r.byOwner[owner] == nil {
		r.byOwner[owner] = make(map[string]*entry)
	}
	r.byOwner[owner][svc.ID] = e

	if rec, err := toRecord(svc); err != nil {
		r.logger.Warnf("marshal snapshot for %s: %v", svc.ID, err)
	} else if err := r.snapshotter.Save(ctx, rec); err != nil {
		r.logger.Warnf("save snapshot for %s: %v", svc.ID, err)
	}

	return svc.Clone(), nil
}

// Get returns the service with the given id, or nil if none exists.
func (r *Registry) Get(id string) *Service {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.svc.Clone()
}

// GetByName returns the service with the given (namespace, name), or nil.
func (r *Registry) GetByName(namespace, name string) *Service {
	r.mu.RLock()
	e, ok := r.byName[nameKey(namespace, name)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.svc.Clone()
}

// ListByOwner returns every service owned by owner (case-insensitive).
func (r *Registry) ListByOwner(owner string) []*Service {
	owner = strings.ToLower(owner)
	r.mu.RLock()
	entries := r.byOwner[owner]
	snapshot := make([]*entry, 0, len(entries))
	for _, e := range entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	out := make([]*Service, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		out = append(out, e.svc.Clone())
		e.mu.Unlock()
	}
	return out
}

// ListAll returns every currently-registered service, used at start-up to
// restart health/backup loops after Rehydrate.
func (r *Registry) ListAll() []*Service {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Service, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.svc.Clone())
		e.mu.Unlock()
	}
	return out
}

// WithLock looks up the entry for id and runs fn while holding its
// per-service lock, committing fn's mutation to the durable store
// regardless of whether fn returns an error, since a failed operation still
// leaves a state transition (e.g. status=failed) that must survive a
// restart. Callers outside this package (the reconciler, coordinator,
// health loops) use this to perform the serialized read-modify-write cycles
// spec.md §5 requires without the registry exposing its internal entry
// type.
func (r *Registry) WithLock(ctx context.Context, id string, fn func(*Service) error) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{ID: id}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.svc == nil {
		return &NotFoundError{ID: id}
	}

	fnErr := fn(e.svc)

	e.svc.UpdatedAt = time.Now()
	if rec, err := toRecord(e.svc); err != nil {
		r.logger.Warnf("marshal snapshot for %s: %v", id, err)
	} else if err := r.snapshotter.Save(ctx, rec); err != nil {
		r.logger.Warnf("save snapshot for %s: %v", id, err)
	}
	return fnErr
}

// Terminate removes a service from every index after authorizing caller
// against owner. It does not itself stop background loops or drive
// reverse-order replica termination — ControlPlane.Terminate does those
// through the health and reconciler packages, then calls this.
func (r *Registry) Terminate(ctx context.Context, id, caller string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{ID: id}
	}

	e.mu.Lock()
	if !strings.EqualFold(e.svc.Owner, caller) {
		e.mu.Unlock()
		r.mu.Unlock()
		return &ForbiddenError{ID: id}
	}
	svc := e.svc
	e.svc = nil
	e.mu.Unlock()

	delete(r.byID, id)
	delete(r.byName, nameKey(svc.Namespace, svc.Name))
	owner := strings.ToLower(svc.Owner)
	if m := r.byOwner[owner]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byOwner, owner)
		}
	}
	r.mu.Unlock()

	if err := r.snapshotter.Delete(ctx, id); err != nil {
		r.logger.Warnf("delete snapshot for %s: %v", id, err)
	}
	return nil
}
