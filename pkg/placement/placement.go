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

// Package placement selects a node for each replica (filter + score,
// anti-affinity) and drives per-replica volume creation, snapshot, and
// restore against the node agent.
package placement

import (
	"context"
	"fmt"
	"time"

	"github.com/nebulamesh/controlplane/pkg/idgen"
	"github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
	semverutil "github.com/nebulamesh/controlplane/pkg/utils/semver"
)

// Node is one candidate compute node as reported by the external scheduler.
type Node struct {
	ID                   string
	Address              string
	Status               string // "online" is the only status the planner filters on
	Region               string
	AvailableCPU         float64
	AvailableMemoryMb    int
	AvailableStorageMb   int
	Capabilities         []string // includes TEE platform identifiers when present
	Reputation           int
	CachedImageTags      map[string]string // image name -> cached tag, for the +50 score bonus
}

// NodeSource is the external scheduler collaborator: it returns the current
// candidate node list and their resource accounting. Implementations must
// return Candidates in a stable order for a given call, since tie-breaking
// among equally-scored nodes follows iteration order (spec.md §9 Open
// Question 5, resolved in SPEC_FULL.md §4.3).
type NodeSource interface {
	Candidates(ctx context.Context) ([]Node, error)
}

// Planner implements C3: node selection plus the volume lifecycle.
type Planner struct {
	source NodeSource
	agent  *nodeagent.Client
	logger logger.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New returns a Planner driving node selection against source and node-agent
// calls through agent.
func New(source NodeSource, agent *nodeagent.Client, opts ...Option) *Planner {
	p := &Planner{source: source, agent: agent, logger: logger.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ErrNoSuitableNode is returned when no candidate node satisfies the
// hardware/region/TEE filters.
var ErrNoSuitableNode = fmt.Errorf("no suitable node for placement")

// SelectNode filters and scores candidate nodes for one replica, per
// spec.md §4.3. usedNodeIDs is the set of node ids already hosting another
// replica of the same service (anti-affinity bonus); image is the image
// reference used to check the cached-image bonus.
func (p *Planner) SelectNode(ctx context.Context, hw spec.Hardware, usedNodeIDs map[string]bool, image, tag string) (*Node, error) {
	candidates, err := p.source.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("placement: list candidates: %w", err)
	}

	var best *Node
	bestScore := -1
	for i := range candidates {
		n := &candidates[i]
		if !satisfies(n, hw) {
			continue
		}
		score := n.Reputation
		if !usedNodeIDs[n.ID] {
			score += 100
		}
		if cachedImageCompatible(n, image, tag) {
			score += 50
		}
		if score > bestScore {
			bestScore = score
			best = n
		}
	}

	if best == nil {
		return nil, ErrNoSuitableNode
	}
	return best, nil
}

func satisfies(n *Node, hw spec.Hardware) bool {
	if n.Status != "online" {
		return false
	}
	if n.AvailableCPU < hw.CPUCores || n.AvailableMemoryMb < hw.MemoryMb || n.AvailableStorageMb < hw.StorageMb {
		return false
	}
	if hw.Region != "" && n.Region != hw.Region {
		return false
	}
	if hw.TEEPlatform != "" && hw.TEEPlatform != spec.TEENone {
		if !hasCapability(n.Capabilities, string(hw.TEEPlatform)) {
			return false
		}
	}
	return true
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// cachedImageCompatible reports whether node already has a compatible tag
// of image cached, using semver comparison so a cached newer-or-equal patch
// still counts as a cache hit for the score bonus.
func cachedImageCompatible(n *Node, image, tag string) bool {
	cached, ok := n.CachedImageTags[image]
	if !ok {
		return false
	}
	if cached == tag {
		return true
	}
	greater, err := semverutil.Compare(cached, tag)
	if err != nil {
		return false
	}
	return greater
}

// CreateVolume provisions one declared volume for a replica at its
// deterministic path, per spec.md §4.3. Failure aborts provisioning.
func (p *Planner) CreateVolume(ctx context.Context, node *Node, dataRoot, serviceID, podName string, vol spec.Volume) (registry.VolumeBinding, error) {
	path := idgen.VolumePath(dataRoot, serviceID, podName, vol.Name)
	err := p.agent.CreateVolume(ctx, node.Address, nodeagent.CreateVolumeRequest{
		Path:   path,
		SizeMb: vol.SizeMb,
		Tier:   nodeagent.VolumeTier(vol.Tier),
	})
	if err != nil {
		return registry.VolumeBinding{}, fmt.Errorf("placement: create volume %s: %w", vol.Name, err)
	}
	return registry.VolumeBinding{Name: vol.Name, NodeLocalPath: path}, nil
}

// Snapshot requests a content-addressed snapshot of binding's path on node.
// Failures are logged and swallowed, per spec.md §4.3's best-effort rule.
func (p *Planner) Snapshot(ctx context.Context, node *Node, serviceID string, ordinal int, binding *registry.VolumeBinding) {
	resp, err := p.agent.BackupVolume(ctx, node.Address, nodeagent.BackupVolumeRequest{
		Path:           binding.NodeLocalPath,
		ServiceID:      serviceID,
		ReplicaOrdinal: ordinal,
		VolumeName:     binding.Name,
	})
	if err != nil {
		p.logger.Warnf("snapshot volume %s for service %s ordinal %d: %v", binding.Name, serviceID, ordinal, err)
		return
	}
	now := time.Now()
	binding.SnapshotRef = resp.CID
	binding.LastBackupAt = &now
}

// Restore restores binding's path from its recorded snapshot reference
// before the replacement container starts. Failure is fatal to the
// enclosing recovery attempt, per spec.md §4.3.
func (p *Planner) Restore(ctx context.Context, node *Node, binding registry.VolumeBinding) error {
	if binding.SnapshotRef == "" {
		return nil
	}
	if err := p.agent.RestoreVolume(ctx, node.Address, nodeagent.RestoreVolumeRequest{
		Path: binding.NodeLocalPath,
		CID:  binding.SnapshotRef,
	}); err != nil {
		return fmt.Errorf("placement: restore volume %s: %w", binding.Name, err)
	}
	return nil
}
