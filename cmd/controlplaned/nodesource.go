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

package main

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nebulamesh/controlplane/pkg/placement"
)

// staticNodeSource loads the candidate node list once from a YAML file at
// start-up, the simplest NodeSource implementation the daemon can run
// against until a real external scheduler feed is wired in. Mirrors the
// teacher's config-file-driven cluster metadata loading
// (pkg/cluster/baremetal's yaml.Unmarshal of cluster config) applied to
// node inventory instead of cluster state.
type staticNodeSource struct {
	nodes []placement.Node
}

func loadStaticNodeSource(path string) (*staticNodeSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Nodes []placement.Node `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &staticNodeSource{nodes: doc.Nodes}, nil
}

func (s *staticNodeSource) Candidates(_ context.Context) ([]placement.Node, error) {
	return s.nodes, nil
}
