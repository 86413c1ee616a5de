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

// Package reconciler drives a service from its current replica set toward
// its declared target: ordered provisioning, reverse-order termination,
// scaling, and single-replica recovery (spec.md §4.2).
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nebulamesh/controlplane/pkg/idgen"
	"github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/placement"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
	"github.com/nebulamesh/controlplane/pkg/store"
)

// ReadinessDeadline is the hard wait for a provisioned replica to pass its
// readiness gate, per spec.md §4.2 step 6 and §5.
const ReadinessDeadline = 120 * time.Second

// ErrReadinessTimeout is returned when a replica does not pass its
// readiness probe within ReadinessDeadline.
var ErrReadinessTimeout = errors.New("reconciler: replica did not become ready within deadline")

// Reconciler implements C2.
type Reconciler struct {
	planner  *placement.Planner
	agent    *nodeagent.Client
	events   store.EventLog
	logger   logger.Logger
	dataRoot string
	zone     string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithEventLog attaches a durable audit trail for fatal errors, per
// SPEC_FULL.md §4.2's expansion of spec.md.
func WithEventLog(ev store.EventLog) Option {
	return func(r *Reconciler) { r.events = ev }
}

// WithDataRoot overrides the node-local data root volume paths are rooted
// under (default "/var/lib/controlplane").
func WithDataRoot(root string) Option {
	return func(r *Reconciler) { r.dataRoot = root }
}

// WithZone overrides the DNS zone suffix used for internal/headless/cluster
// endpoints (default "mesh").
func WithZone(zone string) Option {
	return func(r *Reconciler) { r.zone = zone }
}

// New returns a Reconciler driving replica provisioning through planner and
// agent.
func New(planner *placement.Planner, agent *nodeagent.Client, opts ...Option) *Reconciler {
	r := &Reconciler{
		planner:  planner,
		agent:    agent,
		events:   store.NoopEventLog{},
		logger:   logger.Discard(),
		dataRoot: "/var/lib/controlplane",
		zone:     "mesh",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) recordFatal(ctx context.Context, serviceID string, ordinal int, detail string) {
	o := ordinal
	if err := r.events.Append(ctx, store.Event{
		ServiceID: serviceID,
		Ordinal:   &o,
		Kind:      store.EventFatalError,
		Detail:    detail,
		At:        time.Now(),
	}); err != nil {
		r.logger.Warnf("append event log: %v", err)
	}
}

// ProvisionNext provisions exactly the next ordinal of svc (current replica
// count), in place, under the caller's per-service lock. It returns
// (true, nil) once svc already has spec.Replicas replicas. On failure, svc's
// status is set to failed and the error is returned so the caller's
// registry.WithLock still commits the status transition.
func (r *Reconciler) ProvisionNext(ctx context.Context, svc *registry.Service) (done bool, err error) {
	if len(svc.Replicas) >= svc.Spec.Replicas {
		return true, nil
	}

	ordinal := len(svc.Replicas)
	replica, err := r.provisionOne(ctx, svc, ordinal)
	if err != nil {
		svc.Status = registry.ServiceFailed
		r.recordFatal(ctx, svc.ID, ordinal, err.Error())
		return false, fmt.Errorf("reconciler: provision ordinal %d: %w", ordinal, err)
	}

	svc.Replicas = append(svc.Replicas, replica)
	svc.Generation++
	if len(svc.Replicas) == svc.Spec.Replicas {
		svc.Status = registry.ServiceRunning
	}
	return len(svc.Replicas) == svc.Spec.Replicas, nil
}

// provisionOne runs steps 2-6 of spec.md §4.2 for one new ordinal.
func (r *Reconciler) provisionOne(ctx context.Context, svc *registry.Service, ordinal int) (*registry.Replica, error) {
	used := make(map[string]bool, len(svc.Replicas))
	for _, rep := range svc.Replicas {
		used[rep.NodeID] = true
	}

	node, err := r.planner.SelectNode(ctx, svc.Spec.Hardware, used, svc.Spec.Image, svc.Spec.Tag)
	if err != nil {
		return nil, err
	}

	podName := idgen.PodName(svc.Spec.Name, ordinal)
	replica := &registry.Replica{
		Ordinal:      ordinal,
		PodName:      podName,
		NodeID:       node.ID,
		NodeAddress:  node.Address,
		InstanceID:   fmt.Sprintf("%s-%d", svc.ID, time.Now().UnixNano()),
		Status:       registry.ReplicaProvisioning,
		InternalDNS:  idgen.InternalDNS(podName, svc.Spec.Name, svc.Spec.Namespace, r.zone),
		HealthStatus: registry.HealthUnknown,
	}
	r.assignInitialRole(svc, replica)

	for _, vol := range svc.Spec.Volumes {
		binding, err := r.planner.CreateVolume(ctx, node, r.dataRoot, svc.ID, podName, vol)
		if err != nil {
			return nil, err
		}
		replica.VolumeBindings = append(replica.VolumeBindings, binding)
	}

	env := BuildEnv(svc.Spec, svc, replica, svc.Peers())
	resp, err := r.agent.CreateContainer(ctx, node.Address, nodeagent.CreateContainerRequest{
		Image:    fmt.Sprintf("%s:%s", svc.Spec.Image, svc.Spec.Tag),
		Command:  svc.Spec.Command,
		Env:      EnvSlice(env),
		Labels:   svc.Spec.Labels,
		Hostname: podName,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy container: %w", err)
	}
	replica.Endpoint = resp.Endpoint
	replica.InstanceID = resp.InstanceID
	replica.Status = registry.ReplicaRunning

	if err := r.awaitReady(ctx, svc.Spec, replica); err != nil {
		return nil, err
	}

	return replica, nil
}

// assignInitialRole implements spec.md §4.2's "initial role assignment":
// mpc-party if MPC is enabled, else ordinal 0 is leader and the rest
// follower.
func (r *Reconciler) assignInitialRole(svc *registry.Service, replica *registry.Replica) {
	if svc.Spec.MPC != nil && svc.Spec.MPC.Enabled {
		if replica.Ordinal < svc.Spec.MPC.TotalParties {
			replica.Role = registry.RoleMPCParty
			replica.MPCPartyID = fmt.Sprintf("party-%d", replica.Ordinal)
		}
		return
	}
	if replica.Ordinal == 0 {
		replica.Role = registry.RoleLeader
		zero := 0
		svc.CurrentLeader = &zero
	} else {
		replica.Role = registry.RoleFollower
	}
}

// awaitReady polls the declared readiness probe (or health check fallback)
// until it succeeds once or ReadinessDeadline elapses, per spec.md §4.2
// step 6. Grounded on the teacher's components.datanode Start() ticker
// poll-until-ready loop.
func (r *Reconciler) awaitReady(ctx context.Context, s spec.ServiceSpec, replica *registry.Replica) error {
	path, _, period := s.ReadinessProbe()
	if period <= 0 {
		period = 5 * time.Second
	}

	deadline := time.Now().Add(ReadinessDeadline)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

CHECKER:
	for {
		if r.agent.Probe(ctx, replica.Endpoint, path, period) {
			now := time.Now()
			replica.Status = registry.ReplicaReady
			replica.BecameReadyAt = &now
			replica.HealthStatus = registry.HealthHealthy
			replica.LastHealthCheck = now
			return nil
		}

		if time.Now().After(deadline) {
			break CHECKER
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				break CHECKER
			}
		}
	}

	return ErrReadinessTimeout
}

// ScaleDownOne terminates exactly the highest ordinal of svc, strictly
// reverse order, per spec.md §4.2. It returns (true, nil) once svc already
// has targetCount or fewer replicas.
func (r *Reconciler) ScaleDownOne(ctx context.Context, svc *registry.Service, targetCount int) (done bool, err error) {
	if len(svc.Replicas) <= targetCount {
		return true, nil
	}

	last := len(svc.Replicas) - 1
	replica := svc.Replicas[last]
	r.terminateReplica(ctx, svc, replica)
	svc.Replicas = svc.Replicas[:last]
	svc.Generation++

	if svc.CurrentLeader != nil && *svc.CurrentLeader == replica.Ordinal {
		svc.CurrentLeader = nil
	}

	return len(svc.Replicas) <= targetCount, nil
}

// terminateReplica marks a replica terminating, best-effort stops its
// container, and best-effort snapshots every volume whose backup is enabled
// with ipfsPin set, per
// spec.md §4.2's scale-down rule.
func (r *Reconciler) terminateReplica(ctx context.Context, svc *registry.Service, replica *registry.Replica) {
	replica.Status = registry.ReplicaTerminating

	if err := r.agent.StopContainer(ctx, replica.NodeAddress, replica.InstanceID); err != nil {
		r.logger.Warnf("stop container for %s ordinal %d: %v", svc.ID, replica.Ordinal, err)
	}

	volByName := make(map[string]bool, len(svc.Spec.Volumes))
	for _, v := range svc.Spec.Volumes {
		volByName[v.Name] = v.Backup.Enabled && v.Backup.IPFSPin
	}
	node := &placement.Node{ID: replica.NodeID, Address: replica.NodeAddress}
	for i := range replica.VolumeBindings {
		if !volByName[replica.VolumeBindings[i].Name] {
			continue
		}
		r.planner.Snapshot(ctx, node, svc.ID, replica.Ordinal, &replica.VolumeBindings[i])
	}
}

// Recover re-provisions a single failed ordinal in place: the old instance
// is stopped best-effort, a new one is deployed at the same ordinal with
// its DNS name, volume paths, and party id preserved, and its volumes are
// restored from their last snapshot before the readiness wait, per
// spec.md §4.2.
func (r *Reconciler) Recover(ctx context.Context, svc *registry.Service, ordinal int) error {
	var old *registry.Replica
	for _, rep := range svc.Replicas {
		if rep.Ordinal == ordinal {
			old = rep
			break
		}
	}
	if old == nil {
		return fmt.Errorf("reconciler: recover: no replica at ordinal %d", ordinal)
	}

	if err := r.agent.StopContainer(ctx, old.NodeAddress, old.InstanceID); err != nil {
		r.logger.Warnf("stop failed instance for %s ordinal %d: %v", svc.ID, ordinal, err)
	}

	used := make(map[string]bool, len(svc.Replicas))
	for _, rep := range svc.Replicas {
		if rep.Ordinal != ordinal {
			used[rep.NodeID] = true
		}
	}

	node, err := r.planner.SelectNode(ctx, svc.Spec.Hardware, used, svc.Spec.Image, svc.Spec.Tag)
	if err != nil {
		svc.Status = registry.ServiceDegraded
		r.recordFatal(ctx, svc.ID, ordinal, err.Error())
		return fmt.Errorf("reconciler: recover ordinal %d: %w", ordinal, err)
	}

	replica := &registry.Replica{
		Ordinal:        ordinal,
		PodName:        old.PodName,
		NodeID:         node.ID,
		NodeAddress:    node.Address,
		InstanceID:     fmt.Sprintf("%s-%d", svc.ID, time.Now().UnixNano()),
		Status:         registry.ReplicaProvisioning,
		Role:           old.Role,
		InternalDNS:    old.InternalDNS,
		MPCPartyID:     old.MPCPartyID,
		MPCPublicKey:   old.MPCPublicKey,
		VolumeBindings: old.VolumeBindings,
		HealthStatus:   registry.HealthUnknown,
	}

	for i := range replica.VolumeBindings {
		if replica.VolumeBindings[i].SnapshotRef == "" {
			continue
		}
		if err := r.planner.Restore(ctx, node, replica.VolumeBindings[i]); err != nil {
			svc.Status = registry.ServiceDegraded
			r.recordFatal(ctx, svc.ID, ordinal, err.Error())
			return fmt.Errorf("reconciler: recover ordinal %d: %w", ordinal, err)
		}
	}

	env := BuildEnv(svc.Spec, svc, replica, svc.Peers())
	resp, err := r.agent.CreateContainer(ctx, node.Address, nodeagent.CreateContainerRequest{
		Image:    fmt.Sprintf("%s:%s", svc.Spec.Image, svc.Spec.Tag),
		Command:  svc.Spec.Command,
		Env:      EnvSlice(env),
		Labels:   svc.Spec.Labels,
		Hostname: replica.PodName,
	})
	if err != nil {
		svc.Status = registry.ServiceDegraded
		r.recordFatal(ctx, svc.ID, ordinal, err.Error())
		return fmt.Errorf("reconciler: recover ordinal %d: deploy: %w", ordinal, err)
	}
	replica.Endpoint = resp.Endpoint
	replica.InstanceID = resp.InstanceID
	replica.Status = registry.ReplicaRunning

	if err := r.awaitReady(ctx, svc.Spec, replica); err != nil {
		svc.Status = registry.ServiceDegraded
		r.recordFatal(ctx, svc.ID, ordinal, err.Error())
		return fmt.Errorf("reconciler: recover ordinal %d: %w", ordinal, err)
	}

	for i, rep := range svc.Replicas {
		if rep.Ordinal == ordinal {
			svc.Replicas[i] = replica
			break
		}
	}
	if svc.Status == registry.ServiceDegraded {
		svc.Status = registry.ServiceRunning
	}

	if err := r.events.Append(ctx, store.Event{ServiceID: svc.ID, Ordinal: &ordinal, Kind: store.EventRecovery, Detail: "recovered", At: time.Now()}); err != nil {
		r.logger.Warnf("append event log: %v", err)
	}
	return nil
}

// TerminateAll drives reverse-order termination of every replica, used by
// Terminate once the health/backup loops have been stopped.
func (r *Reconciler) TerminateAll(ctx context.Context, svc *registry.Service) {
	for i := len(svc.Replicas) - 1; i >= 0; i-- {
		r.terminateReplica(ctx, svc, svc.Replicas[i])
	}
	svc.Replicas = nil
}
