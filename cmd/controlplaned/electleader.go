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
	"fmt"

	"github.com/spf13/cobra"

	clogger "github.com/nebulamesh/controlplane/pkg/logger"
)

func newElectLeaderCommand(flags *rootFlags, l clogger.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elect-leader <id>",
		Short: "Force a new leader election (operator-driven failover drill).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := newControlPlane(flags, l)
			if err != nil {
				return err
			}
			leader, err := cp.ElectLeader(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("new leader: ordinal %d\n", leader)
			return nil
		},
	}
	return cmd
}
