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

package controlplane_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulamesh/controlplane/internal/testutil"
	"github.com/nebulamesh/controlplane/pkg/controlplane"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
	"github.com/nebulamesh/controlplane/pkg/store"
)

func newFakeControlPlane(t *testing.T, nodeCount int) (*controlplane.ControlPlane, *testutil.FakeNodeAgent, func()) {
	t.Helper()
	agent := testutil.NewFakeNodeAgent()
	source := &testutil.FakeNodeSource{}
	for i := 0; i < nodeCount; i++ {
		source.Nodes = append(source.Nodes, testutil.NewFakeNodes(int64(i), 1)[0])
		source.Nodes[i].Address = agent.Addr()
	}
	client := nodeagent.New()
	cp := controlplane.New(source, client, store.NoopSnapshotter{}, store.NoopEventLog{})
	return cp, agent, agent.Close
}

func consensusSpec(name string, replicas, minQuorum int) spec.ServiceSpec {
	return spec.ServiceSpec{
		Name:     name,
		Replicas: replicas,
		Image:    "x/sql",
		Tag:      "1",
		Hardware: spec.Hardware{CPUCores: 2, MemoryMb: 2048, StorageMb: 102400},
		HealthCheck: spec.HealthCheck{
			Path: "/healthz", Port: 8080, IntervalSeconds: 1, TimeoutSeconds: 1,
		},
		Consensus: &spec.ConsensusSpec{Protocol: spec.ProtocolRaft, MinQuorum: minQuorum},
	}
}

// create a service and drive it to ready.
func TestCreateBringsServiceToRunning(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 2))
	require.NoError(t, err)

	assert.Equal(t, registry.ServiceRunning, svc.Status)
	assert.Len(t, svc.Replicas, 3)
	require.NotNil(t, svc.CurrentLeader)
	assert.Equal(t, 0, *svc.CurrentLeader)
	assert.Equal(t, int64(1), svc.ConsensusEpoch)
}

// scale up adds ordinals and rebalances without disturbing the leader.
func TestScaleUpAddsReplicasAndKeepsLeader(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 2, 2))
	require.NoError(t, err)

	scaled, err := cp.Scale(context.Background(), svc.ID, 4)
	require.NoError(t, err)
	assert.Len(t, scaled.Replicas, 4)
	assert.Equal(t, registry.ServiceRunning, scaled.Status)
	require.NotNil(t, scaled.CurrentLeader)
	assert.Equal(t, 0, *scaled.CurrentLeader)
}

// scale down removes the highest ordinals first.
func TestScaleDownRemovesHighestOrdinalsFirst(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 4, 2))
	require.NoError(t, err)

	scaled, err := cp.Scale(context.Background(), svc.ID, 2)
	require.NoError(t, err)
	require.Len(t, scaled.Replicas, 2)
	assert.Equal(t, 0, scaled.Replicas[0].Ordinal)
	assert.Equal(t, 1, scaled.Replicas[1].Ordinal)
}

// Scaling to the current replica count is a no-op (boundary behavior).
func TestScaleToCurrentCountIsNoop(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 2))
	require.NoError(t, err)
	leaderBefore := *svc.CurrentLeader

	scaled, err := cp.Scale(context.Background(), svc.ID, 3)
	require.NoError(t, err)
	assert.Len(t, scaled.Replicas, 3)
	assert.Equal(t, leaderBefore, *scaled.CurrentLeader)
}

// Scale-down always keeps a valid leader: ScaleDownOne removes the highest
// ordinal first, so ordinal 0 survives and Rebalance confirms it.
func TestScaleDownToOneKeepsValidLeader(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 2))
	require.NoError(t, err)

	scaled, err := cp.Scale(context.Background(), svc.ID, 1)
	require.NoError(t, err)
	require.Len(t, scaled.Replicas, 1)
	require.NotNil(t, scaled.CurrentLeader)
	assert.Equal(t, 0, *scaled.CurrentLeader)
}

// Failover recovers a single ordinal in place, preserving its identity.
func TestFailoverRecoversOrdinalInPlace(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 2))
	require.NoError(t, err)
	oldPodName := svc.Replicas[2].PodName

	recovered, err := cp.Failover(context.Background(), svc.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, oldPodName, recovered.Replicas[2].PodName)
	assert.Equal(t, registry.ReplicaReady, recovered.Replicas[2].Status)
}

// Failover is idempotent: recovering an already-ready ordinal twice succeeds
// both times and leaves the same identity in place.
func TestFailoverTwiceIsIdempotent(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 2, 2))
	require.NoError(t, err)

	first, err := cp.Failover(context.Background(), svc.ID, 1)
	require.NoError(t, err)
	second, err := cp.Failover(context.Background(), svc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Replicas[1].PodName, second.Replicas[1].PodName)
}

// electing a leader below quorum classifies as CodeQuorumLost.
func TestElectLeaderBelowQuorumClassifiesAsQuorumLost(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 3))
	require.NoError(t, err)

	// drop the health status directly through a forced recovery failure path
	// isn't available at this layer, so simulate quorum loss by shrinking
	// below minQuorum via Scale first, then forcing a re-election.
	_, err = cp.Scale(context.Background(), svc.ID, 1)
	require.NoError(t, err)

	_, err = cp.ElectLeader(context.Background(), svc.ID)
	require.Error(t, err)
	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, controlplane.CodeQuorumLost, cpErr.Code)
}

// MPC-enabled services bring up a threshold key on every party.
func TestCreateMPCServiceRunsDKG(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	s := consensusSpec("mpc-db", 3, 2)
	s.Consensus = nil
	s.MPC = &spec.MPCSpec{Enabled: true, Threshold: 2, TotalParties: 3}

	svc, err := cp.Create(context.Background(), "alice", s)
	require.NoError(t, err)

	assert.NotEmpty(t, svc.MPCClusterID)
	assert.NotEmpty(t, svc.MPCThresholdPublicKey)
	for _, r := range svc.Replicas {
		assert.Equal(t, registry.RoleMPCParty, r.Role)
	}
}

func TestCreateRejectsDuplicateServiceName(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	_, err := cp.Create(context.Background(), "alice", consensusSpec("db", 1, 1))
	require.NoError(t, err)

	_, err = cp.Create(context.Background(), "alice", consensusSpec("db", 1, 1))
	require.Error(t, err)
	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, controlplane.CodeAlreadyExists, cpErr.Code)
}

// Terminate is not idempotent: the second call returns NotFound.
func TestTerminateTwiceReturnsNotFound(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 2, 2))
	require.NoError(t, err)

	require.NoError(t, cp.Terminate(context.Background(), svc.ID, "alice"))

	err = cp.Terminate(context.Background(), svc.ID, "alice")
	require.Error(t, err)
	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, controlplane.CodeNotFound, cpErr.Code)
}

func TestGetByNameAndListByOwner(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 1, 1))
	require.NoError(t, err)

	byName, err := cp.GetByName(svc.Namespace, svc.Name)
	require.NoError(t, err)
	assert.Equal(t, svc.ID, byName.ID)

	owned := cp.ListByOwner("alice")
	assert.Len(t, owned, 1)

	_, err = cp.GetByName(svc.Namespace, "missing")
	require.Error(t, err)
}

func TestGetLeaderReflectsCurrentLeader(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 2))
	require.NoError(t, err)

	ordinal, ok, err := cp.GetLeader(svc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, ordinal)

	_, _, err = cp.GetLeader("missing")
	require.Error(t, err)
}

func TestRehydrateRestartsHealthLoops(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	_, err := cp.Create(context.Background(), "alice", consensusSpec("db", 1, 1))
	require.NoError(t, err)

	require.NoError(t, cp.Rehydrate(context.Background()))
}

func TestInvalidSpecClassifiesAsInvalidSpec(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	bad := consensusSpec("", 1, 1)
	_, err := cp.Create(context.Background(), "alice", bad)
	require.Error(t, err)
	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, controlplane.CodeInvalidSpec, cpErr.Code)
}

func TestCreateFailsWhenNoSuitableNode(t *testing.T) {
	agent := testutil.NewFakeNodeAgent()
	defer agent.Close()
	cp := controlplane.New(&testutil.FakeNodeSource{}, nodeagent.New(), store.NoopSnapshotter{}, store.NoopEventLog{})

	_, err := cp.Create(context.Background(), "alice", consensusSpec("db", 1, 1))
	require.Error(t, err)
	var cpErr *controlplane.Error
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, controlplane.CodeProvisioningFailed, cpErr.Code)
}

func TestManyReplicasGetDistinctPodNames(t *testing.T) {
	cp, _, cleanup := newFakeControlPlane(t, 5)
	defer cleanup()

	svc, err := cp.Create(context.Background(), "alice", consensusSpec("db", 3, 2))
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, r := range svc.Replicas {
		assert.False(t, seen[r.PodName], fmt.Sprintf("duplicate pod name %s", r.PodName))
		seen[r.PodName] = true
	}
}
