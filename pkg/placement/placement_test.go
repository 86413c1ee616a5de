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

package placement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulamesh/controlplane/internal/testutil"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/placement"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
)

func TestSelectNodeFiltersOnHardware(t *testing.T) {
	source := &testutil.FakeNodeSource{Nodes: []placement.Node{
		{ID: "n1", Status: "online", AvailableCPU: 1, AvailableMemoryMb: 512, AvailableStorageMb: 1024},
		{ID: "n2", Status: "online", AvailableCPU: 4, AvailableMemoryMb: 8192, AvailableStorageMb: 204800},
	}}
	p := placement.New(source, nodeagent.New())

	hw := spec.Hardware{CPUCores: 2, MemoryMb: 2048, StorageMb: 102400}
	node, err := p.SelectNode(context.Background(), hw, nil, "x/sql", "1")
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestSelectNodeReturnsErrNoSuitableNodeWhenNoneMatch(t *testing.T) {
	source := &testutil.FakeNodeSource{Nodes: []placement.Node{
		{ID: "n1", Status: "online", AvailableCPU: 1, AvailableMemoryMb: 512, AvailableStorageMb: 1024},
	}}
	p := placement.New(source, nodeagent.New())

	hw := spec.Hardware{CPUCores: 8, MemoryMb: 16384, StorageMb: 512000}
	_, err := p.SelectNode(context.Background(), hw, nil, "x/sql", "1")
	assert.ErrorIs(t, err, placement.ErrNoSuitableNode)
}

func TestSelectNodePrefersUnusedOverReputation(t *testing.T) {
	source := &testutil.FakeNodeSource{Nodes: []placement.Node{
		{ID: "used", Status: "online", AvailableCPU: 4, AvailableMemoryMb: 8192, AvailableStorageMb: 204800, Reputation: 90},
		{ID: "fresh", Status: "online", AvailableCPU: 4, AvailableMemoryMb: 8192, AvailableStorageMb: 204800, Reputation: 10},
	}}
	p := placement.New(source, nodeagent.New())

	hw := spec.Hardware{CPUCores: 2, MemoryMb: 2048, StorageMb: 102400}
	node, err := p.SelectNode(context.Background(), hw, map[string]bool{"used": true}, "x/sql", "1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", node.ID)
}

func TestSelectNodeRequiresTEECapability(t *testing.T) {
	source := &testutil.FakeNodeSource{Nodes: []placement.Node{
		{ID: "plain", Status: "online", AvailableCPU: 4, AvailableMemoryMb: 8192, AvailableStorageMb: 204800},
		{ID: "tee", Status: "online", AvailableCPU: 4, AvailableMemoryMb: 8192, AvailableStorageMb: 204800, Capabilities: []string{"intel-tdx"}},
	}}
	p := placement.New(source, nodeagent.New())

	hw := spec.Hardware{CPUCores: 2, MemoryMb: 2048, StorageMb: 102400, TEEPlatform: spec.TEEIntelTDX}
	node, err := p.SelectNode(context.Background(), hw, nil, "x/sql", "1")
	require.NoError(t, err)
	assert.Equal(t, "tee", node.ID)
}

func TestCreateVolumeSnapshotRestoreLifecycle(t *testing.T) {
	agent := testutil.NewFakeNodeAgent()
	defer agent.Close()

	client := nodeagent.New()
	p := placement.New(&testutil.FakeNodeSource{}, client)
	node := &placement.Node{ID: "n1", Address: agent.Addr()}

	vol := spec.Volume{Name: "data", SizeMb: 102400, Tier: spec.VolumeTierSSD, MountPath: "/data"}
	binding, err := p.CreateVolume(context.Background(), node, "/var/lib/controlplane", "svc-1", "db-0", vol)
	require.NoError(t, err)
	assert.Equal(t, "data", binding.Name)
	assert.Contains(t, binding.NodeLocalPath, "svc-1")

	p.Snapshot(context.Background(), node, "svc-1", 0, &binding)
	assert.NotEmpty(t, binding.SnapshotRef)
	require.NotNil(t, binding.LastBackupAt)

	err = p.Restore(context.Background(), node, binding)
	assert.NoError(t, err)
}

func TestRestoreNoopsWithoutSnapshotRef(t *testing.T) {
	agent := testutil.NewFakeNodeAgent()
	defer agent.Close()

	p := placement.New(&testutil.FakeNodeSource{}, nodeagent.New())
	node := &placement.Node{ID: "n1", Address: agent.Addr()}

	err := p.Restore(context.Background(), node, registry.VolumeBinding{Name: "data"})
	assert.NoError(t, err)
}
