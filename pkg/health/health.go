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

// Package health implements C5: a per-service health-check ticker with
// hysteresis, a per-service backup ticker, and the leader-failure trigger
// that asks the coordinator to re-elect.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/nebulamesh/controlplane/pkg/coordinator"
	"github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/placement"
	"github.com/nebulamesh/controlplane/pkg/registry"
)

// fallbackPollInterval is used only if a service somehow reaches the loop
// with HealthCheck.IntervalSeconds still unset (Defaults() always sets it).
const fallbackPollInterval = 10 * time.Second

// Supervisor runs one health ticker and one backup ticker per service,
// cancellable independently via Stop.
type Supervisor struct {
	reg     *registry.Registry
	coord   *coordinator.Coordinator
	planner *placement.Planner
	agent   *nodeagent.Client
	logger  logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New returns a Supervisor driving health/backup loops through the given
// collaborators.
func New(reg *registry.Registry, coord *coordinator.Coordinator, planner *placement.Planner, agent *nodeagent.Client, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:     reg,
		coord:   coord,
		planner: planner,
		agent:   agent,
		logger:  logger.Discard(),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the health and backup loops for serviceID. It is
// idempotent: calling it twice for the same id is a no-op on the second
// call.
func (s *Supervisor) Start(serviceID string) {
	s.mu.Lock()
	if _, ok := s.cancels[serviceID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[serviceID] = cancel
	s.mu.Unlock()

	go s.runHealthLoop(ctx, serviceID)
	go s.runBackupLoop(ctx, serviceID)
}

// Stop cancels the loops for serviceID, called when a service is being
// terminated, before the reconciler tears its replicas down.
func (s *Supervisor) Stop(serviceID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[serviceID]
	if ok {
		delete(s.cancels, serviceID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// runHealthLoop probes every running or ready replica of serviceID that has
// an endpoint on a fixed cadence,
// applying the FailureThreshold/SuccessThreshold hysteresis from spec.md
// §4.3, and triggers re-election if the leader turns unhealthy.
func (s *Supervisor) runHealthLoop(ctx context.Context, serviceID string) {
	interval := fallbackPollInterval
	if svc := s.reg.Get(serviceID); svc != nil && svc.Spec.HealthCheck.IntervalSeconds > 0 {
		interval = time.Duration(svc.Spec.HealthCheck.IntervalSeconds) * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce(ctx, serviceID)
		}
	}
}

func (s *Supervisor) probeOnce(ctx context.Context, serviceID string) {
	svc := s.reg.Get(serviceID)
	if svc == nil {
		return
	}

	leaderWasHealthy := true
	if svc.CurrentLeader != nil {
		for _, r := range svc.Replicas {
			if r.Ordinal == *svc.CurrentLeader {
				leaderWasHealthy = r.HealthStatus == registry.HealthHealthy
			}
		}
	}

	results := make(map[int]bool, len(svc.Replicas))
	for _, r := range svc.Replicas {
		if (r.Status != registry.ReplicaReady && r.Status != registry.ReplicaRunning) || r.Endpoint == "" {
			continue
		}
		path := svc.Spec.HealthCheck.Path
		if path == "" {
			path = "/healthz"
		}
		timeout := time.Duration(svc.Spec.HealthCheck.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		results[r.Ordinal] = s.agent.Probe(ctx, r.Endpoint, path, timeout)
	}

	needsReelection := false
	err := s.reg.WithLock(ctx, serviceID, func(svc *registry.Service) error {
		failThreshold := svc.Spec.HealthCheck.FailureThreshold
		if failThreshold <= 0 {
			failThreshold = 1
		}
		okThreshold := svc.Spec.HealthCheck.SuccessThreshold
		if okThreshold <= 0 {
			okThreshold = 1
		}

		for _, r := range svc.Replicas {
			ok, probed := results[r.Ordinal]
			if !probed {
				continue
			}
			r.LastHealthCheck = time.Now()
			r.RecordProbe(ok, failThreshold, okThreshold)
		}

		if svc.CurrentLeader != nil {
			for _, r := range svc.Replicas {
				if r.Ordinal == *svc.CurrentLeader && r.HealthStatus == registry.HealthUnhealthy {
					needsReelection = true
				}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warnf("health probe commit for %s: %v", serviceID, err)
		return
	}

	if needsReelection && leaderWasHealthy {
		s.triggerReelection(ctx, serviceID)
	}
}

// triggerReelection re-elects under the per-service lock, per spec.md
// §4.4's leader-failure trigger.
func (s *Supervisor) triggerReelection(ctx context.Context, serviceID string) {
	err := s.reg.WithLock(ctx, serviceID, func(svc *registry.Service) error {
		_, err := s.coord.ElectLeader(ctx, svc)
		return err
	})
	if err != nil {
		s.logger.Warnf("re-election for %s after leader failure: %v", serviceID, err)
	}
}

// runBackupLoop snapshots every backup-enabled volume binding on every
// ready replica, at the service's minimum declared backup interval, per
// spec.md §4.5.
func (s *Supervisor) runBackupLoop(ctx context.Context, serviceID string) {
	svc := s.reg.Get(serviceID)
	if svc == nil {
		return
	}
	interval := time.Duration(svc.Spec.BackupIntervalSeconds()) * time.Second
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.backupOnce(ctx, serviceID)
		}
	}
}

func (s *Supervisor) backupOnce(ctx context.Context, serviceID string) {
	svc := s.reg.Get(serviceID)
	if svc == nil {
		return
	}

	backupByName := make(map[string]bool, len(svc.Spec.Volumes))
	for _, v := range svc.Spec.Volumes {
		backupByName[v.Name] = v.Backup.Enabled
	}

	for _, r := range svc.Replicas {
		if r.Status != registry.ReplicaReady {
			continue
		}
		node := &placement.Node{ID: r.NodeID, Address: r.NodeAddress}
		for i := range r.VolumeBindings {
			if !backupByName[r.VolumeBindings[i].Name] {
				continue
			}
			binding := r.VolumeBindings[i]
			s.planner.Snapshot(ctx, node, svc.ID, r.Ordinal, &binding)
			if binding.SnapshotRef == r.VolumeBindings[i].SnapshotRef {
				continue
			}
			ordinal := r.Ordinal
			name := binding.Name
			snapshotRef := binding.SnapshotRef
			lastBackupAt := binding.LastBackupAt
			_ = s.reg.WithLock(ctx, serviceID, func(svc *registry.Service) error {
				for _, rr := range svc.Replicas {
					if rr.Ordinal != ordinal {
						continue
					}
					for j := range rr.VolumeBindings {
						if rr.VolumeBindings[j].Name == name {
							rr.VolumeBindings[j].SnapshotRef = snapshotRef
							rr.VolumeBindings[j].LastBackupAt = lastBackupAt
						}
					}
				}
				return nil
			})
		}
	}
}
