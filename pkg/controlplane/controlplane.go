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

// Package controlplane wires the registry, reconciler, coordinator, and
// health packages into the single Core API a CLI or RPC front end drives.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nebulamesh/controlplane/pkg/coordinator"
	"github.com/nebulamesh/controlplane/pkg/health"
	"github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/placement"
	"github.com/nebulamesh/controlplane/pkg/reconciler"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
	"github.com/nebulamesh/controlplane/pkg/store"
)

// Code classifies a control-plane Error for callers that need to branch on
// failure kind (retry vs. surface to the user vs. page on-call), per
// spec.md §7.
type Code string

const (
	CodeInvalidSpec         Code = "invalid_spec"
	CodeAlreadyExists       Code = "already_exists"
	CodeNotFound            Code = "not_found"
	CodeForbidden           Code = "forbidden"
	CodeProvisioningFailed  Code = "provisioning_failed"
	CodeQuorumLost          Code = "quorum_lost"
	CodeDKGFailed           Code = "dkg_failed"
	CodeInsufficientParties Code = "insufficient_parties"
	CodeRecoveryFailed      Code = "recovery_failed"
	CodeInternal            Code = "internal"
)

// Error wraps a lower-package error with the Code callers should branch on.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// classify maps a raw error from registry/reconciler/coordinator into a
// Code, implementing spec.md §7's error taxonomy.
func classify(defaultCode Code, err error) error {
	if err == nil {
		return nil
	}
	var alreadyExists *registry.AlreadyExistsError
	var notFound *registry.NotFoundError
	var forbidden *registry.ForbiddenError
	var invalidSpec *registry.InvalidSpecError
	switch {
	case errors.As(err, &alreadyExists):
		return &Error{Code: CodeAlreadyExists, Err: err}
	case errors.As(err, &notFound):
		return &Error{Code: CodeNotFound, Err: err}
	case errors.As(err, &forbidden):
		return &Error{Code: CodeForbidden, Err: err}
	case errors.As(err, &invalidSpec):
		return &Error{Code: CodeInvalidSpec, Err: err}
	case errors.Is(err, coordinator.ErrQuorumLost):
		return &Error{Code: CodeQuorumLost, Err: err}
	case errors.Is(err, coordinator.ErrInsufficientParties):
		return &Error{Code: CodeInsufficientParties, Err: err}
	case errors.Is(err, coordinator.ErrDKGFailed):
		return &Error{Code: CodeDKGFailed, Err: err}
	default:
		return &Error{Code: defaultCode, Err: err}
	}
}

// ControlPlane is the single entry point the CLI/RPC surface drives.
type ControlPlane struct {
	reg     *registry.Registry
	recon   *reconciler.Reconciler
	coord   *coordinator.Coordinator
	planner *placement.Planner
	agent   *nodeagent.Client
	health  *health.Supervisor
	logger  logger.Logger
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithLogger attaches a logger shared by every wired component.
func WithLogger(l logger.Logger) Option {
	return func(c *ControlPlane) { c.logger = l }
}

// New wires a ControlPlane from its collaborators. agent is the node-agent
// HTTP client, source is the external node scheduler, snapshotter/eventLog
// are the durable store and audit trail (pass store.NoopSnapshotter{} and
// store.NoopEventLog{} to run purely in-memory).
func New(source placement.NodeSource, agent *nodeagent.Client, snapshotter store.Snapshotter, eventLog store.EventLog, opts ...Option) *ControlPlane {
	c := &ControlPlane{logger: logger.Discard()}
	for _, opt := range opts {
		opt(c)
	}

	c.agent = agent
	c.reg = registry.New(registry.WithSnapshotter(snapshotter), registry.WithLogger(c.logger))
	c.planner = placement.New(source, agent, placement.WithLogger(c.logger))
	c.recon = reconciler.New(c.planner, agent, reconciler.WithEventLog(eventLog), reconciler.WithLogger(c.logger))
	c.coord = coordinator.New(agent, coordinator.WithEventLog(eventLog), coordinator.WithLogger(c.logger))
	c.health = health.New(c.reg, c.coord, c.planner, agent, health.WithLogger(c.logger))
	return c
}

// Rehydrate loads every persisted service and restarts health/backup loops
// for each, per spec.md §6. Call once at process start-up before any other
// method.
func (c *ControlPlane) Rehydrate(ctx context.Context) error {
	if err := c.reg.Rehydrate(ctx); err != nil {
		return classify(CodeInternal, err)
	}
	for _, svc := range c.reg.ListAll() {
		c.health.Start(svc.ID)
	}
	return nil
}

// Create declares a new service and drives its initial ordered provisioning
// to completion, then brings up consensus/MPC and starts its health/backup
// loops, per spec.md §4.1.
func (c *ControlPlane) Create(ctx context.Context, owner string, s spec.ServiceSpec) (*registry.Service, error) {
	svc, err := c.reg.Create(ctx, owner, s)
	if err != nil {
		return nil, classify(CodeInvalidSpec, err)
	}

	for {
		var done bool
		werr := c.reg.WithLock(ctx, svc.ID, func(svc *registry.Service) error {
			var perr error
			done, perr = c.recon.ProvisionNext(ctx, svc)
			return perr
		})
		if werr != nil {
			return nil, classify(CodeProvisioningFailed, werr)
		}
		if done {
			break
		}
	}

	_ = c.reg.WithLock(ctx, svc.ID, func(svc *registry.Service) error {
		if svc.Spec.Consensus.Enabled() {
			c.coord.InitialConsensusBringUp(ctx, svc)
		}
		if svc.Spec.MPC != nil && svc.Spec.MPC.Enabled {
			if err := c.coord.RunDKG(ctx, svc); err != nil {
				c.logger.Warnf("initial DKG bring-up for %s: %v", svc.ID, err)
			}
		}
		return nil
	})

	c.health.Start(svc.ID)
	return c.reg.Get(svc.ID), nil
}

// Get returns the service with the given id, or a NotFound Error.
func (c *ControlPlane) Get(id string) (*registry.Service, error) {
	svc := c.reg.Get(id)
	if svc == nil {
		return nil, &Error{Code: CodeNotFound, Err: &registry.NotFoundError{ID: id}}
	}
	return svc, nil
}

// GetByName returns the service with the given (namespace, name), or a
// NotFound Error.
func (c *ControlPlane) GetByName(namespace, name string) (*registry.Service, error) {
	svc := c.reg.GetByName(namespace, name)
	if svc == nil {
		return nil, &Error{Code: CodeNotFound, Err: &registry.NotFoundError{ID: namespace + "/" + name}}
	}
	return svc, nil
}

// ListByOwner lists every service owned by owner.
func (c *ControlPlane) ListByOwner(owner string) []*registry.Service {
	return c.reg.ListByOwner(owner)
}

// Scale drives svc toward targetCount replicas: ordered provisioning if
// growing, reverse-order termination if shrinking, then rebalances
// consensus/MPC to the new replica set, per spec.md §4.2's scaling rules.
func (c *ControlPlane) Scale(ctx context.Context, id string, targetCount int) (*registry.Service, error) {
	err := c.reg.WithLock(ctx, id, func(svc *registry.Service) error {
		svc.Status = registry.ServiceScaling
		svc.Spec.Replicas = targetCount
		for {
			var done bool
			var err error
			if targetCount >= len(svc.Replicas) {
				done, err = c.recon.ProvisionNext(ctx, svc)
			} else {
				done, err = c.recon.ScaleDownOne(ctx, svc, targetCount)
			}
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
		if svc.Status == registry.ServiceScaling {
			svc.Status = registry.ServiceRunning
		}

		if svc.Spec.Consensus.Enabled() {
			if err := c.coord.Rebalance(ctx, svc); err != nil {
				return err
			}
		}
		if svc.Spec.MPC != nil && svc.Spec.MPC.Enabled {
			if err := c.coord.RunDKG(ctx, svc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(CodeProvisioningFailed, err)
	}
	return c.reg.Get(id), nil
}

// Failover recovers a single failed ordinal in place, per spec.md §4.2's
// single-ordinal recovery rule, then, for consensus services, runs
// Rebalance, which broadcasts the peer list and re-elects only when the
// current leader's ordinal is no longer present.
func (c *ControlPlane) Failover(ctx context.Context, id string, ordinal int) (*registry.Service, error) {
	err := c.reg.WithLock(ctx, id, func(svc *registry.Service) error {
		if err := c.recon.Recover(ctx, svc, ordinal); err != nil {
			return err
		}
		if svc.Spec.Consensus.Enabled() {
			return c.coord.Rebalance(ctx, svc)
		}
		return nil
	})
	if err != nil {
		return nil, classify(CodeRecoveryFailed, err)
	}
	return c.reg.Get(id), nil
}

// ElectLeader forces a new leader election, per spec.md §4.4. Most callers
// never need this directly — the health loop triggers it automatically on
// leader failure — but it is exposed for operator-driven failover drills.
func (c *ControlPlane) ElectLeader(ctx context.Context, id string) (int, error) {
	var leader int
	err := c.reg.WithLock(ctx, id, func(svc *registry.Service) error {
		var err error
		leader, err = c.coord.ElectLeader(ctx, svc)
		return err
	})
	if err != nil {
		return 0, classify(CodeQuorumLost, err)
	}
	return leader, nil
}

// GetLeader returns the ordinal of the current leader, if any.
func (c *ControlPlane) GetLeader(id string) (int, bool, error) {
	svc, err := c.Get(id)
	if err != nil {
		return 0, false, err
	}
	if svc.CurrentLeader == nil {
		return 0, false, nil
	}
	return *svc.CurrentLeader, true, nil
}

// Terminate stops the health/backup loops, tears down every replica in
// reverse order, and removes the service from the registry, per spec.md
// §4.2's termination rule.
func (c *ControlPlane) Terminate(ctx context.Context, id, caller string) error {
	svc, err := c.Get(id)
	if err != nil {
		return err
	}
	if !strings.EqualFold(svc.Owner, caller) {
		return &Error{Code: CodeForbidden, Err: &registry.ForbiddenError{ID: id}}
	}

	c.health.Stop(id)

	if werr := c.reg.WithLock(ctx, id, func(svc *registry.Service) error {
		c.recon.TerminateAll(ctx, svc)
		svc.Status = registry.ServiceTerminated
		return nil
	}); werr != nil {
		return classify(CodeInternal, werr)
	}

	if err := c.reg.Terminate(ctx, id, caller); err != nil {
		return classify(CodeForbidden, err)
	}
	return nil
}
