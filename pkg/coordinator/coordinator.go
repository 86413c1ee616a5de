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

// Package coordinator implements C4: consensus leader election with
// quorum, MPC cluster bring-up (DKG) and post-scaling updates, and
// peer-list/leader-change broadcast.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nebulamesh/controlplane/pkg/idgen"
	"github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/store"
)

// ErrQuorumLost is returned by ElectLeader when fewer than quorum_required
// replicas are ready and healthy.
var ErrQuorumLost = errors.New("coordinator: quorum lost")

// ErrInsufficientParties is returned by RunDKG when fewer than
// mpc.totalParties replicas are ready.
var ErrInsufficientParties = errors.New("coordinator: insufficient ready parties for DKG")

// ErrDKGFailed wraps the first party's DKG failure, per spec.md §4.4 step 3.
var ErrDKGFailed = errors.New("coordinator: DKG bring-up failed")

// Coordinator implements C4.
type Coordinator struct {
	agent  *nodeagent.Client
	events store.EventLog
	logger logger.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEventLog attaches a durable audit trail for elections and DKG
// outcomes, per SPEC_FULL.md §6.1.
func WithEventLog(ev store.EventLog) Option {
	return func(c *Coordinator) { c.events = ev }
}

// New returns a Coordinator issuing broadcasts and DKG calls through agent.
func New(agent *nodeagent.Client, opts ...Option) *Coordinator {
	c := &Coordinator{agent: agent, events: store.NoopEventLog{}, logger: logger.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ElectLeader runs spec.md §4.4's electLeader algorithm in place on svc,
// under the caller's per-service lock. It returns the winning ordinal.
func (c *Coordinator) ElectLeader(ctx context.Context, svc *registry.Service) (int, error) {
	candidates := svc.ReadyHealthyReplicas()
	if len(candidates) < svc.Spec.QuorumRequired() {
		return 0, ErrQuorumLost
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Ordinal < candidates[j].Ordinal })
	winner := candidates[0]

	for _, r := range svc.Replicas {
		switch {
		case r.Ordinal == winner.Ordinal:
			r.Role = registry.RoleLeader
		case svc.Spec.MPC != nil && svc.Spec.MPC.Enabled:
			// MPC parties keep their role; consensus followers are demoted below.
		default:
			r.Role = registry.RoleFollower
		}
	}

	leader := winner.Ordinal
	svc.CurrentLeader = &leader
	svc.LastElectionAt = time.Now()
	svc.ConsensusEpoch++

	epoch := svc.ConsensusEpoch
	leaderEndpoint := winner.Endpoint
	go c.broadcastLeaderChange(context.Background(), svc.Replicas, epoch, leader, leaderEndpoint)

	if err := c.events.Append(ctx, store.Event{
		ServiceID: svc.ID,
		Kind:      store.EventElection,
		Detail:    fmt.Sprintf("leader=%d epoch=%d", leader, epoch),
		At:        time.Now(),
	}); err != nil {
		c.logger.Warnf("append event log: %v", err)
	}

	return leader, nil
}

// broadcastLeaderChange fans out a best-effort leader-change notification
// to every replica; failures are logged and swallowed per spec.md §4.4.
func (c *Coordinator) broadcastLeaderChange(ctx context.Context, replicas []*registry.Replica, epoch int64, leaderID int, leaderEndpoint string) {
	for _, r := range replicas {
		if r.Endpoint == "" {
			continue
		}
		if err := c.agent.NotifyLeaderChange(ctx, r.Endpoint, nodeagent.LeaderChangeRequest{
			Epoch:          epoch,
			LeaderID:       leaderID,
			LeaderEndpoint: leaderEndpoint,
		}); err != nil {
			c.logger.Warnf("broadcast leader-change to ordinal %d: %v", r.Ordinal, err)
		}
	}
}

// BroadcastPeerUpdate fans out the current peer list to every replica,
// best-effort, per spec.md §4.4's rebalance rule.
func (c *Coordinator) BroadcastPeerUpdate(ctx context.Context, svc *registry.Service) {
	var peers []nodeagent.Peer
	for _, r := range svc.Replicas {
		peers = append(peers, nodeagent.Peer{Ordinal: r.Ordinal, Endpoint: r.Endpoint, Role: string(r.Role)})
	}
	epoch := svc.ConsensusEpoch
	for _, r := range svc.Replicas {
		if r.Endpoint == "" {
			continue
		}
		if err := c.agent.NotifyPeerUpdate(ctx, r.Endpoint, nodeagent.PeerUpdateRequest{Peers: peers, Epoch: epoch}); err != nil {
			c.logger.Warnf("broadcast peer-update to ordinal %d: %v", r.Ordinal, err)
		}
	}
}

// InitialConsensusBringUp sets the leader to ordinal 0 and the epoch to 1
// on first service creation with consensus enabled, per spec.md §4.4.
func (c *Coordinator) InitialConsensusBringUp(ctx context.Context, svc *registry.Service) {
	if len(svc.Replicas) == 0 {
		return
	}
	zero := 0
	svc.CurrentLeader = &zero
	svc.ConsensusEpoch = 1
	svc.LastElectionAt = time.Now()
	svc.Replicas[0].Role = registry.RoleLeader
	go c.broadcastLeaderChange(context.Background(), svc.Replicas, 1, 0, svc.Replicas[0].Endpoint)
}

// Rebalance re-elects a leader if the previous one was removed, then
// broadcasts the new peer list, per spec.md §4.4's rebalance-after-scaling
// rule.
func (c *Coordinator) Rebalance(ctx context.Context, svc *registry.Service) error {
	leaderPresent := false
	if svc.CurrentLeader != nil {
		for _, r := range svc.Replicas {
			if r.Ordinal == *svc.CurrentLeader {
				leaderPresent = true
				break
			}
		}
	}
	if svc.CurrentLeader == nil || !leaderPresent {
		if _, err := c.ElectLeader(ctx, svc); err != nil {
			return err
		}
	}
	c.BroadcastPeerUpdate(ctx, svc)
	return nil
}

// dkgTimeout bounds each DKG init/finalize call, resolving spec.md §9 Open
// Question 3.
const dkgTimeout = 10 * time.Second

// RunDKG runs the full MPC cluster bring-up (or re-bring-up after scaling)
// sequence from spec.md §4.4, mutating svc's replicas and
// MPCClusterId/MPCThresholdPublicKey in place.
func (c *Coordinator) RunDKG(ctx context.Context, svc *registry.Service) error {
	if svc.Spec.MPC == nil || !svc.Spec.MPC.Enabled {
		return nil
	}

	ready := 0
	for _, r := range svc.Replicas {
		if r.Status == registry.ReplicaReady {
			ready++
		}
	}
	if ready < svc.Spec.MPC.TotalParties {
		return ErrInsufficientParties
	}

	svc.MPCClusterID = idgen.MPCClusterID(svc.ID, time.Now())

	parties := make([]nodeagent.DKGParty, svc.Spec.MPC.TotalParties)
	for i := 0; i < svc.Spec.MPC.TotalParties; i++ {
		parties[i] = nodeagent.DKGParty{PartyID: svc.Replicas[i].MPCPartyID, Endpoint: svc.Replicas[i].Endpoint}
	}

	dkgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type initResult struct {
		ordinal int
		resp    *nodeagent.DKGInitResponse
		err     error
	}
	results := make(chan initResult, svc.Spec.MPC.TotalParties)
	var wg sync.WaitGroup
	for i := 0; i < svc.Spec.MPC.TotalParties; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reqCtx, reqCancel := context.WithTimeout(dkgCtx, dkgTimeout)
			defer reqCancel()
			resp, err := c.agent.DKGInit(reqCtx, svc.Replicas[i].Endpoint, nodeagent.DKGInitRequest{
				ClusterID:    svc.MPCClusterID,
				Threshold:    svc.Spec.MPC.Threshold,
				TotalParties: svc.Spec.MPC.TotalParties,
				PartyID:      svc.Replicas[i].MPCPartyID,
				Parties:      parties,
			})
			results <- initResult{ordinal: i, resp: resp, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		svc.Replicas[res.ordinal].MPCPublicKey = res.resp.PublicKey
	}

	if firstErr != nil {
		if err := c.events.Append(ctx, store.Event{ServiceID: svc.ID, Kind: store.EventDKGOutcome, Detail: "failed: " + firstErr.Error(), At: time.Now()}); err != nil {
			c.logger.Warnf("append event log: %v", err)
		}
		return fmt.Errorf("%w: %v", ErrDKGFailed, firstErr)
	}

	finalizeCtx, finalizeCancel := context.WithTimeout(ctx, dkgTimeout)
	defer finalizeCancel()
	fin, err := c.agent.DKGFinalize(finalizeCtx, svc.Replicas[0].Endpoint, nodeagent.DKGFinalizeRequest{ClusterID: svc.MPCClusterID})
	if err != nil {
		if err := c.events.Append(ctx, store.Event{ServiceID: svc.ID, Kind: store.EventDKGOutcome, Detail: "finalize failed: " + err.Error(), At: time.Now()}); err != nil {
			c.logger.Warnf("append event log: %v", err)
		}
		return fmt.Errorf("%w: finalize: %v", ErrDKGFailed, err)
	}
	svc.MPCThresholdPublicKey = fin.ThresholdPublicKey

	if err := c.events.Append(ctx, store.Event{ServiceID: svc.ID, Kind: store.EventDKGOutcome, Detail: "succeeded", At: time.Now()}); err != nil {
		c.logger.Warnf("append event log: %v", err)
	}
	return nil
}
