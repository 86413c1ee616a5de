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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nebulamesh/controlplane/internal/testutil"
	"github.com/nebulamesh/controlplane/pkg/controlplane"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
	"github.com/nebulamesh/controlplane/pkg/store"
)

var _ = Describe("a replicated consensus service across its lifecycle", func() {
	var (
		cp    *controlplane.ControlPlane
		agent *testutil.FakeNodeAgent
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		agent = testutil.NewFakeNodeAgent()
		source := &testutil.FakeNodeSource{}
		for i := 0; i < 5; i++ {
			source.Nodes = append(source.Nodes, testutil.NewFakeNodes(int64(i), 1)[0])
			source.Nodes[i].Address = agent.Addr()
		}
		cp = controlplane.New(source, nodeagent.New(), store.NoopSnapshotter{}, store.NoopEventLog{})
	})

	AfterEach(func() {
		agent.Close()
	})

	It("provisions ordinals in order and elects ordinal 0 as leader", func() {
		By("creating a 3-replica service")
		svc, err := cp.Create(ctx, "alice", consensusSpec("db", 3, 2))
		Expect(err).NotTo(HaveOccurred())

		Expect(svc.Replicas).To(HaveLen(3))
		for i, r := range svc.Replicas {
			Expect(r.Ordinal).To(Equal(i))
			Expect(r.PodName).To(Equal(fmt.Sprintf("db-%d", i)))
		}
		Expect(svc.CurrentLeader).NotTo(BeNil())
		Expect(*svc.CurrentLeader).To(Equal(0))
		Expect(svc.ConsensusEpoch).To(Equal(int64(1)))
	})

	It("grows in order and keeps the leader on scale-up", func() {
		svc, err := cp.Create(ctx, "alice", consensusSpec("db", 3, 2))
		Expect(err).NotTo(HaveOccurred())

		By("scaling from 3 to 5 replicas")
		scaled, err := cp.Scale(ctx, svc.ID, 5)
		Expect(err).NotTo(HaveOccurred())

		Expect(scaled.Replicas).To(HaveLen(5))
		Expect(scaled.CurrentLeader).NotTo(BeNil())
		Expect(*scaled.CurrentLeader).To(Equal(0))
	})

	It("shrinks from the highest ordinal down and keeps the leader", func() {
		svc, err := cp.Create(ctx, "alice", consensusSpec("db", 5, 2))
		Expect(err).NotTo(HaveOccurred())

		By("scaling from 5 to 2 replicas")
		scaled, err := cp.Scale(ctx, svc.ID, 2)
		Expect(err).NotTo(HaveOccurred())

		Expect(scaled.Replicas).To(HaveLen(2))
		Expect(scaled.Replicas[0].Ordinal).To(Equal(0))
		Expect(scaled.Replicas[1].Ordinal).To(Equal(1))
		Expect(*scaled.CurrentLeader).To(Equal(0))
	})

	It("rejects an explicit election once too few replicas remain for quorum", func() {
		svc, err := cp.Create(ctx, "alice", consensusSpec("db", 3, 3))
		Expect(err).NotTo(HaveOccurred())

		_, err = cp.Scale(ctx, svc.ID, 1)
		Expect(err).NotTo(HaveOccurred())

		By("forcing a re-election with only one replica left against minQuorum=3")
		_, err = cp.ElectLeader(ctx, svc.ID)
		Expect(err).To(HaveOccurred())

		var cpErr *controlplane.Error
		Expect(errors.As(err, &cpErr)).To(BeTrue())
		Expect(cpErr.Code).To(Equal(controlplane.CodeQuorumLost))

		got, getErr := cp.Get(svc.ID)
		Expect(getErr).NotTo(HaveOccurred())
		Expect(*got.CurrentLeader).To(Equal(0), "a rejected election must not disturb the existing leader")
	})

	It("brings up an MPC cluster with a threshold key on every party", func() {
		s := consensusSpec("mpc-db", 3, 2)
		s.Consensus = nil
		s.MPC = &spec.MPCSpec{Enabled: true, Threshold: 2, TotalParties: 3}

		svc, err := cp.Create(ctx, "alice", s)
		Expect(err).NotTo(HaveOccurred())

		Expect(svc.MPCClusterID).NotTo(BeEmpty())
		Expect(svc.MPCThresholdPublicKey).NotTo(BeEmpty())
		for _, r := range svc.Replicas {
			Expect(r.Role).To(Equal(registry.RoleMPCParty))
			Expect(r.MPCPublicKey).NotTo(BeEmpty())
		}
	})
})
