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

package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceIDIsDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := ServiceID("default", "db", "alice", at)
	b := ServiceID("default", "db", "alice", at)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestServiceIDIsCaseInsensitiveOnOwner(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, ServiceID("default", "db", "alice", at), ServiceID("default", "db", "ALICE", at))
}

func TestServiceIDDiffersOnAnyInput(t *testing.T) {
	at := time.Unix(1700000000, 0)
	base := ServiceID("default", "db", "alice", at)
	assert.NotEqual(t, base, ServiceID("other", "db", "alice", at))
	assert.NotEqual(t, base, ServiceID("default", "other", "alice", at))
	assert.NotEqual(t, base, ServiceID("default", "db", "bob", at))
	assert.NotEqual(t, base, ServiceID("default", "db", "alice", at.Add(time.Second)))
}

func TestMPCClusterIDIsDeterministic(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assert.Equal(t, MPCClusterID("svc-1", now), MPCClusterID("svc-1", now))
	assert.NotEqual(t, MPCClusterID("svc-1", now), MPCClusterID("svc-2", now))
}

// VolumePath is a pure function of (serviceId, podName, volumeName),
// regardless of how many times it is called with identical inputs.
func TestVolumePathIsPureAndStable(t *testing.T) {
	a := VolumePath("/var/lib/controlplane", "svc-1", "db-0", "data")
	b := VolumePath("/var/lib/controlplane", "svc-1", "db-0", "data")
	assert.Equal(t, a, b)
	assert.Equal(t, "/var/lib/controlplane/svc-1/db-0/data", a)
}

func TestPodNameIsStablePerOrdinal(t *testing.T) {
	assert.Equal(t, "db-0", PodName("db", 0))
	assert.Equal(t, "db-7", PodName("db", 7))
	assert.NotEqual(t, PodName("db", 0), PodName("db", 1))
}

func TestInternalDNSIncludesAllComponents(t *testing.T) {
	got := InternalDNS("db-0", "db", "default", "mesh")
	assert.Equal(t, "db-0.db.default.internal.mesh", got)
}

func TestHeadlessAndClusterEndpointsDiffer(t *testing.T) {
	headless := HeadlessEndpoint("db", "default", "mesh")
	cluster := ClusterEndpoint("db", "default", "mesh")
	assert.Equal(t, "db.default.headless.mesh", headless)
	assert.Equal(t, "db.default.cluster.mesh", cluster)
	assert.NotEqual(t, headless, cluster)
}
