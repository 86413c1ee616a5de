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

// Package idgen derives the stable, content-addressable identifiers used
// throughout the control plane: service ids, MPC cluster ids, and
// deterministic node-local volume paths.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// ServiceID derives a 16-hex-char stable identifier from (namespace, name,
// owner, creation time), per spec.md §3 and §9: a collision-resistant hash
// truncated to a 16-hex-char prefix is acceptable because the registry
// enforces (namespace, name) uniqueness independently.
func ServiceID(namespace, name, owner string, createdAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s/%s/%s/%d", namespace, name, strings.ToLower(owner), createdAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// MPCClusterID derives a deterministic cluster id from (serviceId, now),
// per spec.md §4.4 step 2.
func MPCClusterID(serviceID string, now time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "mpc/%s/%d", serviceID, now.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// VolumePath computes the deterministic node-local path for a replica's
// volume. Same inputs always yield the same path across create/terminate/
// recover cycles (spec.md §8 invariant 7).
func VolumePath(dataRoot, serviceID, podName, volumeName string) string {
	return path.Join(dataRoot, serviceID, podName, volumeName)
}

// PodName returns the stable pod name for a replica ordinal.
func PodName(serviceName string, ordinal int) string {
	return fmt.Sprintf("%s-%d", serviceName, ordinal)
}

// InternalDNS returns the stable internal DNS name for a replica.
func InternalDNS(podName, serviceName, namespace, zone string) string {
	return fmt.Sprintf("%s.%s.%s.internal.%s", podName, serviceName, namespace, zone)
}

// HeadlessEndpoint returns the stable headless-service DNS name for a
// service, used for peer discovery.
func HeadlessEndpoint(serviceName, namespace, zone string) string {
	return fmt.Sprintf("%s.%s.headless.%s", serviceName, namespace, zone)
}

// ClusterEndpoint returns the stable cluster (public entrypoint) DNS name
// for a service.
func ClusterEndpoint(serviceName, namespace, zone string) string {
	return fmt.Sprintf("%s.%s.cluster.%s", serviceName, namespace, zone)
}
