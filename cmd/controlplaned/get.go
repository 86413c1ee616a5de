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
	"github.com/spf13/cobra"

	"github.com/nebulamesh/controlplane/pkg/cliutil"
	clogger "github.com/nebulamesh/controlplane/pkg/logger"
)

func newGetCommand(flags *rootFlags, l clogger.Logger) *cobra.Command {
	var namespace, name string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get one service's full replica table.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := newControlPlane(flags, l)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				svc, err := cp.Get(args[0])
				if err != nil {
					return err
				}
				cliutil.RenderService(svc)
				return nil
			}

			svc, err := cp.GetByName(namespace, name)
			if err != nil {
				return err
			}
			cliutil.RenderService(svc)
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "service namespace, when looking up by name")
	cmd.Flags().StringVar(&name, "name", "", "service name, when looking up by name instead of id")

	return cmd
}
