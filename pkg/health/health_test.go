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

package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulamesh/controlplane/internal/testutil"
	"github.com/nebulamesh/controlplane/pkg/coordinator"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/placement"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
)

// newThreeReplicaService seeds a ready 3-replica service with ordinal 0 as
// leader, each replica pointed at its own endpoint so a single replica's
// agent can be made unhealthy without affecting its peers.
func newThreeReplicaService(t *testing.T, reg *registry.Registry, endpoints [3]string) *registry.Service {
	t.Helper()
	s := spec.ServiceSpec{
		Name:     "db",
		Replicas: 3,
		Image:    "x/sql",
		Tag:      "1",
		Hardware: spec.Hardware{CPUCores: 2, MemoryMb: 2048, StorageMb: 102400},
		HealthCheck: spec.HealthCheck{
			Path: "/healthz", Port: 8080, IntervalSeconds: 1, TimeoutSeconds: 1,
			FailureThreshold: 1, SuccessThreshold: 1,
		},
		Volumes: []spec.Volume{{
			Name: "data", SizeMb: 102400, Tier: spec.VolumeTierSSD, MountPath: "/data",
			Backup: spec.BackupPolicy{Enabled: true, IPFSPin: true, IntervalSeconds: 1},
		}},
		Consensus: &spec.ConsensusSpec{Protocol: spec.ProtocolRaft, MinQuorum: 2},
	}
	svc, err := reg.Create(context.Background(), "alice", s)
	require.NoError(t, err)

	leader := 0
	err = reg.WithLock(context.Background(), svc.ID, func(s *registry.Service) error {
		s.CurrentLeader = &leader
		s.ConsensusEpoch = 1
		s.Status = registry.ServiceRunning
		for i := 0; i < 3; i++ {
			s.Replicas = append(s.Replicas, &registry.Replica{
				Ordinal:      i,
				Status:       registry.ReplicaReady,
				HealthStatus: registry.HealthHealthy,
				Endpoint:     endpoints[i],
				NodeAddress:  endpoints[i],
				Role:         registry.RoleFollower,
				VolumeBindings: []registry.VolumeBinding{{
					Name:          "data",
					NodeLocalPath: "/var/lib/controlplane/db/data",
				}},
			})
		}
		s.Replicas[0].Role = registry.RoleLeader
		return nil
	})
	require.NoError(t, err)
	return reg.Get(svc.ID)
}

func newSupervisor(reg *registry.Registry) *Supervisor {
	client := nodeagent.New()
	planner := placement.New(&testutil.FakeNodeSource{}, client)
	coord := coordinator.New(client)
	return New(reg, coord, planner, client)
}

func threeFakeAgents(t *testing.T) ([3]*testutil.FakeNodeAgent, [3]string, func()) {
	t.Helper()
	var agents [3]*testutil.FakeNodeAgent
	var endpoints [3]string
	for i := range agents {
		agents[i] = testutil.NewFakeNodeAgent()
		endpoints[i] = agents[i].Addr()
	}
	return agents, endpoints, func() {
		for _, a := range agents {
			a.Close()
		}
	}
}

func TestProbeOnceRecordsHealthyProbesAndUpdatesTimestamp(t *testing.T) {
	_, endpoints, cleanup := threeFakeAgents(t)
	defer cleanup()
	reg := registry.New()
	svc := newThreeReplicaService(t, reg, endpoints)
	sup := newSupervisor(reg)

	sup.probeOnce(context.Background(), svc.ID)

	got := reg.Get(svc.ID)
	for _, r := range got.Replicas {
		assert.Equal(t, registry.HealthHealthy, r.HealthStatus)
		assert.False(t, r.LastHealthCheck.IsZero())
	}
}

func TestProbeOnceTriggersReelectionWhenLeaderGoesUnhealthy(t *testing.T) {
	agents, endpoints, cleanup := threeFakeAgents(t)
	defer cleanup()
	reg := registry.New()
	svc := newThreeReplicaService(t, reg, endpoints)
	sup := newSupervisor(reg)

	agents[0].SetHealthy(false) // ordinal 0 is the leader
	sup.probeOnce(context.Background(), svc.ID)

	got := reg.Get(svc.ID)
	assert.Equal(t, registry.HealthUnhealthy, got.Replicas[0].HealthStatus)

	// triggerReelection is called synchronously from within probeOnce, so
	// the re-election has already committed by the time probeOnce returns.
	require.NotNil(t, got.CurrentLeader)
	assert.NotEqual(t, 0, *got.CurrentLeader)
	assert.Equal(t, int64(2), got.ConsensusEpoch)
}

func TestProbeOnceDoesNotReelectWhenFollowerGoesUnhealthy(t *testing.T) {
	agents, endpoints, cleanup := threeFakeAgents(t)
	defer cleanup()
	reg := registry.New()
	svc := newThreeReplicaService(t, reg, endpoints)
	sup := newSupervisor(reg)

	agents[1].SetHealthy(false) // ordinal 1 is a follower, not the leader
	sup.probeOnce(context.Background(), svc.ID)

	got := reg.Get(svc.ID)
	assert.Equal(t, registry.HealthUnhealthy, got.Replicas[1].HealthStatus)
	require.NotNil(t, got.CurrentLeader)
	assert.Equal(t, 0, *got.CurrentLeader)
	assert.Equal(t, int64(1), got.ConsensusEpoch)
}

func TestBackupOnceSnapshotsEnabledVolumes(t *testing.T) {
	_, endpoints, cleanup := threeFakeAgents(t)
	defer cleanup()
	reg := registry.New()
	svc := newThreeReplicaService(t, reg, endpoints)
	sup := newSupervisor(reg)

	sup.backupOnce(context.Background(), svc.ID)

	got := reg.Get(svc.ID)
	for _, r := range got.Replicas {
		require.Len(t, r.VolumeBindings, 1)
		assert.NotEmpty(t, r.VolumeBindings[0].SnapshotRef)
		assert.NotNil(t, r.VolumeBindings[0].LastBackupAt)
	}
}

func TestStartIsIdempotentAndStopCancels(t *testing.T) {
	_, endpoints, cleanup := threeFakeAgents(t)
	defer cleanup()
	reg := registry.New()
	svc := newThreeReplicaService(t, reg, endpoints)
	sup := newSupervisor(reg)

	sup.Start(svc.ID)
	sup.Start(svc.ID) // second call must be a no-op, not a double-launch

	sup.mu.Lock()
	cancelCount := len(sup.cancels)
	sup.mu.Unlock()
	assert.Equal(t, 1, cancelCount)

	sup.Stop(svc.ID)
	sup.mu.Lock()
	_, stillTracked := sup.cancels[svc.ID]
	sup.mu.Unlock()
	assert.False(t, stillTracked)
}
