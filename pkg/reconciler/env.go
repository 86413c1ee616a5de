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

package reconciler

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/nebulamesh/controlplane/pkg/registry"
	"github.com/nebulamesh/controlplane/pkg/spec"
)

// BuildEnv computes the deployment environment for one replica, merging the
// spec's declared env with identity, MPC, and consensus variables, per
// spec.md §4.2 step 4. It is a pure function so it can be tested directly
// against the literal S1/S6 scenarios without standing up a reconciler.
func BuildEnv(s spec.ServiceSpec, svc *registry.Service, r *registry.Replica, peers []registry.Peer) map[string]string {
	env := make(map[string]string, len(s.Env)+16)
	for k, v := range s.Env {
		env[k] = v
	}

	env["POD_NAME"] = r.PodName
	env["POD_ORDINAL"] = strconv.Itoa(r.Ordinal)
	env["SERVICE_NAME"] = s.Name
	env["SERVICE_NAMESPACE"] = s.Namespace
	env["REPLICA_COUNT"] = strconv.Itoa(s.Replicas)
	env["HEADLESS_SERVICE"] = svc.HeadlessEndpoint
	env["CLUSTER_SERVICE"] = svc.ClusterEndpoint
	env["NODE_ROLE"] = string(r.Role)

	if s.MPC != nil && s.MPC.Enabled {
		env["MPC_ENABLED"] = "true"
		env["MPC_PARTY_ID"] = r.MPCPartyID
		env["MPC_THRESHOLD"] = strconv.Itoa(s.MPC.Threshold)
		env["MPC_TOTAL_PARTIES"] = strconv.Itoa(s.MPC.TotalParties)
		env["MPC_CLUSTER_ID"] = svc.MPCClusterID
	}

	if s.Consensus.Enabled() {
		var peerDNS []string
		for _, p := range peers {
			if p.Ordinal == r.Ordinal {
				continue
			}
			peerDNS = append(peerDNS, p.Endpoint)
		}
		env["CONSENSUS_PROTOCOL"] = string(s.Consensus.Protocol)
		env["CONSENSUS_PEERS"] = strings.Join(peerDNS, ",")
		env["CONSENSUS_MIN_QUORUM"] = strconv.Itoa(s.QuorumRequired())
		env["CONSENSUS_ELECTION_TIMEOUT_MS"] = strconv.Itoa(s.Consensus.ElectionTimeoutMs)
		env["CONSENSUS_HEARTBEAT_INTERVAL_MS"] = strconv.Itoa(s.Consensus.HeartbeatIntervalMs)
	}

	return env
}

// EnvSlice renders env as "KEY=VALUE" pairs, the shape the node-agent
// container-create contract expects (mirroring Docker's Env array). Keys are
// sorted so a replica's env is byte-identical across provision/recover
// cycles given the same inputs, instead of following Go's randomized map
// iteration order.
func EnvSlice(env map[string]string) []string {
	keys := maps.Keys(env)
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
