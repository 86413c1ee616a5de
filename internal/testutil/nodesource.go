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

// Package testutil provides fixtures shared by every package's tests: a
// fake node inventory, a fake node-agent HTTP server, and deterministic
// fake hostnames.
package testutil

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/lucasepe/codename"

	"github.com/nebulamesh/controlplane/pkg/placement"
)

// FakeNodeSource is a fixed, in-memory placement.NodeSource used by tests
// that exercise SelectNode without a real external scheduler.
type FakeNodeSource struct {
	Nodes []placement.Node
}

// Candidates returns the fixed node list, satisfying placement.NodeSource.
func (f *FakeNodeSource) Candidates(_ context.Context) ([]placement.Node, error) {
	return f.Nodes, nil
}

// NewFakeNodes generates count deterministic fake nodes with
// human-readable, codename-style hostnames (e.g. "proud-haze"), the way
// a real bare-metal inventory would label machines, instead of opaque
// UUIDs that are hard to eyeball in test failures.
func NewFakeNodes(seed int64, count int) []placement.Node {
	rng := rand.New(rand.NewSource(seed))
	nodes := make([]placement.Node, count)
	for i := 0; i < count; i++ {
		name := codename.Generate(rng, 0)
		nodes[i] = placement.Node{
			ID:                 fmt.Sprintf("node-%s", name),
			Address:            fmt.Sprintf("http://%s.nodes.test:8080", name),
			Status:             "online",
			Region:             "test-region",
			AvailableCPU:       8,
			AvailableMemoryMb:  16384,
			AvailableStorageMb: 512000,
			Reputation:         100,
		}
	}
	return nodes
}
