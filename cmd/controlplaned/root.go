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
	"sigs.k8s.io/kind/pkg/log"

	"github.com/nebulamesh/controlplane/pkg/controlplane"
	clogger "github.com/nebulamesh/controlplane/pkg/logger"
	"github.com/nebulamesh/controlplane/pkg/nodeagent"
	"github.com/nebulamesh/controlplane/pkg/store"
	"github.com/nebulamesh/controlplane/pkg/store/mysqlstore"
)

const textBanner = "   _________  ____  / /__________  / /____  / /___ _____  ___\n  / ___/ __ \\/ __ \\/ __/ ___/ __ \\/ / __ \\/ / __ `/ __ \\/ _ \\\n / /__/ /_/ / / / / /_/ /  / /_/ / / /_/ / / /_/ / / / /  __/\n \\___/\\____/_/ /_/\\__/_/   \\____/_/ .___/_/\\__,_/_/ /_/\\___/\n                                 /_/\n"

type rootFlags struct {
	Verbosity int32
	NodesFile string
	MySQLDSN  string
	Owner     string
}

func newControlPlane(flags *rootFlags, l clogger.Logger) (*controlplane.ControlPlane, error) {
	source, err := loadStaticNodeSource(flags.NodesFile)
	if err != nil {
		return nil, fmt.Errorf("load node inventory %s: %w", flags.NodesFile, err)
	}

	agent := nodeagent.New()

	var snapshotter store.Snapshotter = store.NoopSnapshotter{}
	if flags.MySQLDSN != "" {
		s, err := mysqlstore.Open(context.Background(), flags.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql store: %w", err)
		}
		snapshotter = s
	}

	cp := controlplane.New(source, agent, snapshotter, store.NoopEventLog{}, controlplane.WithLogger(l))
	if err := cp.Rehydrate(context.Background()); err != nil {
		return nil, fmt.Errorf("rehydrate: %w", err)
	}
	return cp, nil
}

// NewRootCommand builds the controlplaned cobra command tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Args:    cobra.NoArgs,
		Use:     "controlplaned",
		Short:   "controlplaned drives decentralized, consensus-aware replicated services.",
		Long:    fmt.Sprintf("%s\ncontrolplaned drives decentralized, consensus-aware replicated services over bare node agents.", textBanner),
		Version: Version,
	}

	cmd.PersistentFlags().Int32VarP(&flags.Verbosity, "verbosity", "v", 0, "log verbosity, higher value produces more output")
	cmd.PersistentFlags().StringVar(&flags.NodesFile, "nodes-file", "nodes.yaml", "YAML file listing candidate nodes")
	cmd.PersistentFlags().StringVar(&flags.MySQLDSN, "mysql-dsn", "", "MySQL DSN for durable service snapshots (in-memory only if unset)")
	cmd.PersistentFlags().StringVar(&flags.Owner, "owner", "", "owner identity for authorization checks")

	l := clogger.New(os.Stdout, log.Level(flags.Verbosity))
	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		if v, ok := l.(interface{ SetVerbosity(log.Level) }); ok {
			v.SetVerbosity(log.Level(flags.Verbosity))
		}
	}

	cmd.AddCommand(newCreateCommand(flags, l))
	cmd.AddCommand(newScaleCommand(flags, l))
	cmd.AddCommand(newGetCommand(flags, l))
	cmd.AddCommand(newListCommand(flags, l))
	cmd.AddCommand(newTerminateCommand(flags, l))
	cmd.AddCommand(newFailoverCommand(flags, l))
	cmd.AddCommand(newElectLeaderCommand(flags, l))

	return cmd
}
