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
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nebulamesh/controlplane/pkg/cliutil"
	clogger "github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/spec"
)

func newCreateCommand(flags *rootFlags, l clogger.Logger) *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Declare a new service and drive it to its initial replica count.",
		Long:  `Declare a new service from a YAML ServiceSpec and provision it ordinal-by-ordinal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			var s spec.ServiceSpec
			if err := yaml.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("parse spec file %s: %w", specFile, err)
			}

			cp, err := newControlPlane(flags, l)
			if err != nil {
				return err
			}

			return cliutil.RunWithSpinner(fmt.Sprintf("Creating service %s/%s", s.Namespace, s.Name), func() error {
				out, cerr := cp.Create(context.Background(), flags.Owner, s)
				if cerr != nil {
					return cerr
				}
				cliutil.RenderService(out)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "path to the ServiceSpec YAML file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
