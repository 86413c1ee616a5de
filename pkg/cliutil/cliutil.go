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

// Package cliutil provides the spinner/table rendering helpers shared by
// cmd/controlplaned's subcommands.
package cliutil

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/nebulamesh/controlplane/pkg/registry"
)

// Bold renders s the way the teacher's CLI highlights identifiers in
// status lines.
func Bold(s string) string {
	return color.New(color.FgHiWhite, color.Bold).SprintfFunc()(s)
}

// spinnerFrames mirrors the frame set the teacher borrows from the kind
// project.
var spinnerFrames = []string{
	"⠈⠁", "⠈⠑", "⠈⠱", "⠈⡱", "⢀⡱", "⢄⡱", "⢄⡱", "⢆⡱",
	"⢎⡱", "⢎⡰", "⢎⡠", "⢎⡀", "⢎⠁", "⠎⠁", "⠊⠁",
}

const defaultDelay = 100 * time.Millisecond

// Spinner reports long-running Core API calls (provisioning, scaling,
// recovery) to an interactive terminal.
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner returns a Spinner writing to stdout.
func NewSpinner() (*Spinner, error) {
	s := spinner.New(spinnerFrames, defaultDelay)
	if err := s.Color("fgHiWhite", "bold"); err != nil {
		return nil, err
	}
	return &Spinner{s: s}, nil
}

// Start begins spinning with the given status suffix.
func (sp *Spinner) Start(status string) {
	sp.s.Start()
	sp.s.Suffix = fmt.Sprintf(" %s", status)
}

// Stop halts the spinner, printing a check or cross mark with status.
func (sp *Spinner) Stop(success bool, status string) {
	if success {
		sp.s.FinalMSG = fmt.Sprintf(" \x1b[32m✓\x1b[0m %s\n", status)
	} else {
		sp.s.FinalMSG = fmt.Sprintf(" \x1b[31m✗\x1b[0m %s\n", status)
	}
	sp.s.Stop()
}

// RunWithSpinner runs fn under a spinner labeled suffix, stopping it with a
// check or cross mark depending on fn's outcome.
func RunWithSpinner(suffix string, fn func() error) error {
	s := spinner.New(spinner.CharSets[14], defaultDelay)
	s.Suffix = fmt.Sprintf("  %s  ", suffix)
	if err := s.Color("fgHiWhite", "bold"); err != nil {
		return err
	}
	s.Start()
	if err := fn(); err != nil {
		s.FinalMSG = fmt.Sprintf(" \x1b[31m✗\x1b[0m %s\n", suffix)
		s.Stop()
		return err
	}
	s.FinalMSG = fmt.Sprintf(" \x1b[32m✓\x1b[0m %s\n", suffix)
	s.Stop()
	return nil
}

// RenderService prints one service's replica table to stdout, the
// "controlplaned get" rendering.
func RenderService(svc *registry.Service) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoMergeCells(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"ORDINAL", "ROLE", "STATUS", "HEALTH", "NODE", "ENDPOINT"})

	for _, r := range svc.Replicas {
		table.Append([]string{
			fmt.Sprintf("%d", r.Ordinal),
			string(r.Role),
			string(r.Status),
			string(r.HealthStatus),
			r.NodeID,
			r.Endpoint,
		})
	}
	table.Render()

	leader := "none"
	if svc.CurrentLeader != nil {
		leader = fmt.Sprintf("%d", *svc.CurrentLeader)
	}
	fmt.Printf("SERVICE: %s (id=%s)\n", Bold(fmt.Sprintf("%s/%s", svc.Namespace, svc.Name)), svc.ID)
	fmt.Printf("STATUS: %s\n", svc.Status)
	fmt.Printf("LEADER: %s  EPOCH: %d\n", leader, svc.ConsensusEpoch)
	if svc.MPCClusterID != "" {
		fmt.Printf("MPC-CLUSTER: %s  THRESHOLD-PUBKEY: %s\n", svc.MPCClusterID, svc.MPCThresholdPublicKey)
	}
}

// RenderServiceList prints a one-row-per-service summary table, the
// "controlplaned list" rendering.
func RenderServiceList(svcs []*registry.Service) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAMESPACE", "NAME", "REPLICAS", "STATUS", "LEADER"})

	for _, svc := range svcs {
		leader := "none"
		if svc.CurrentLeader != nil {
			leader = fmt.Sprintf("%d", *svc.CurrentLeader)
		}
		table.Append([]string{
			svc.Namespace,
			svc.Name,
			fmt.Sprintf("%d/%d", len(svc.Replicas), svc.Spec.Replicas),
			string(svc.Status),
			leader,
		})
	}
	table.Render()
}
