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

// Package registry holds the authoritative, in-memory record of every
// declared service and its replicas.
package registry

import (
	"time"

	"github.com/nebulamesh/controlplane/pkg/spec"
)

// ServiceStatus is the lifecycle state of a Service record.
type ServiceStatus string

const (
	ServiceCreating   ServiceStatus = "creating"
	ServiceRunning    ServiceStatus = "running"
	ServiceUpdating   ServiceStatus = "updating"
	ServiceScaling    ServiceStatus = "scaling"
	ServiceDegraded   ServiceStatus = "degraded"
	ServiceFailed     ServiceStatus = "failed"
	ServiceTerminated ServiceStatus = "terminated"
)

// ReplicaStatus is the lifecycle state of a single Replica.
type ReplicaStatus string

const (
	ReplicaPending      ReplicaStatus = "pending"
	ReplicaProvisioning ReplicaStatus = "provisioning"
	ReplicaRunning      ReplicaStatus = "running"
	ReplicaReady        ReplicaStatus = "ready"
	ReplicaFailed       ReplicaStatus = "failed"
	ReplicaTerminating  ReplicaStatus = "terminating"
)

// ReplicaRole is the role a replica plays within its service's consensus or
// MPC cluster.
type ReplicaRole string

const (
	RoleNone      ReplicaRole = ""
	RoleLeader    ReplicaRole = "leader"
	RoleFollower  ReplicaRole = "follower"
	RoleCandidate ReplicaRole = "candidate"
	RoleMPCParty  ReplicaRole = "mpc-party"
)

// HealthStatus is the last-observed liveness of a replica.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// VolumeBinding records where one declared volume lives for one replica.
type VolumeBinding struct {
	Name          string
	NodeLocalPath string
	SnapshotRef   string
	LastBackupAt  *time.Time
}

// Replica is one ordinal-indexed instance of a service.
type Replica struct {
	Ordinal         int
	PodName         string
	NodeID          string
	NodeAddress     string
	InstanceID      string
	Status          ReplicaStatus
	Role            ReplicaRole
	Endpoint        string
	InternalDNS     string
	VolumeBindings  []VolumeBinding
	HealthStatus    HealthStatus
	LastHealthCheck time.Time
	BecameReadyAt   *time.Time
	MPCPartyID      string
	MPCPublicKey    string
	LastError       string

	consecutiveFails int
	consecutiveOK    int
}

// RecordProbe folds one health-probe result into the replica's consecutive
// success/failure streak and flips HealthStatus once the streak crosses the
// relevant threshold, implementing spec.md §4.3's hysteresis (Open Question
// 1): a single flaky probe doesn't flip status, but failThreshold/
// okThreshold consecutive identical results do.
func (r *Replica) RecordProbe(ok bool, failThreshold, okThreshold int) {
	if failThreshold <= 0 {
		failThreshold = 1
	}
	if okThreshold <= 0 {
		okThreshold = 1
	}
	if ok {
		r.consecutiveOK++
		r.consecutiveFails = 0
		if r.consecutiveOK >= okThreshold {
			r.HealthStatus = HealthHealthy
		}
	} else {
		r.consecutiveFails++
		r.consecutiveOK = 0
		if r.consecutiveFails >= failThreshold {
			r.HealthStatus = HealthUnhealthy
		}
	}
}

// Service is the authoritative record of one declared replicated service.
type Service struct {
	ID        string
	Owner     string
	Namespace string
	Name      string
	Spec      spec.ServiceSpec
	Status    ServiceStatus

	Replicas []*Replica

	CurrentLeader *int
	Generation    int64
	ConsensusEpoch int64
	LastElectionAt time.Time

	HeadlessEndpoint string
	ClusterEndpoint  string

	MPCClusterID          string
	MPCThresholdPublicKey string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep-enough copy of the service suitable for returning to
// callers outside the registry's lock: replica slice and bindings are
// copied, spec is copied by value.
func (s *Service) Clone() *Service {
	cp := *s
	cp.Replicas = make([]*Replica, len(s.Replicas))
	for i, r := range s.Replicas {
		rc := *r
		rc.VolumeBindings = append([]VolumeBinding(nil), r.VolumeBindings...)
		cp.Replicas[i] = &rc
	}
	if s.CurrentLeader != nil {
		leader := *s.CurrentLeader
		cp.CurrentLeader = &leader
	}
	return &cp
}

// Peer is the broadcast-friendly view of one replica used in peer-update
// notifications and env-var construction.
type Peer struct {
	Ordinal  int
	Endpoint string
	Role     ReplicaRole
}

// Peers returns the current peer list for broadcast/env purposes.
func (s *Service) Peers() []Peer {
	peers := make([]Peer, 0, len(s.Replicas))
	for _, r := range s.Replicas {
		peers = append(peers, Peer{Ordinal: r.Ordinal, Endpoint: r.Endpoint, Role: r.Role})
	}
	return peers
}

// ReadyHealthyReplicas returns the replicas that are both ready and healthy,
// ordered by ordinal, the population electLeader draws from.
func (s *Service) ReadyHealthyReplicas() []*Replica {
	var out []*Replica
	for _, r := range s.Replicas {
		if r.Status == ReplicaReady && r.HealthStatus == HealthHealthy {
			out = append(out, r)
		}
	}
	return out
}
