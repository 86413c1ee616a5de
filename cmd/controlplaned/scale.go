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

	"github.com/nebulamesh/controlplane/pkg/cliutil"
	clogger "github.com/nebulamesh/controlplane/pkg/logger"
)

func newScaleCommand(flags *rootFlags, l clogger.Logger) *cobra.Command {
	var replicas int

	cmd := &cobra.Command{
		Use:   "scale <id>",
		Short: "Scale a service to a target replica count.",
		Long:  `Scale a service to a target replica count, provisioning or terminating ordinals one at a time.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := newControlPlane(flags, l)
			if err != nil {
				return err
			}
			return cliutil.RunWithSpinner(fmt.Sprintf("Scaling %s to %d replicas", args[0], replicas), func() error {
				out, err := cp.Scale(context.Background(), args[0], replicas)
				if err != nil {
					return err
				}
				cliutil.RenderService(out)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&replicas, "replicas", 0, "target replica count")
	_ = cmd.MarkFlagRequired("replicas")

	return cmd
}
