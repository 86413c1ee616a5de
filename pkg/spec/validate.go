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

package spec

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$`)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("serviceName", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			if len(name) < 1 || len(name) > 63 {
				return false
			}
			return serviceNamePattern.MatchString(name)
		})
	})
	return validate
}

// Validate checks the spec against its schema, returning a single
// aggregated error describing every violation found. It is the sole source
// of the InvalidSpec error taxonomy value (spec.md §7).
func (s *ServiceSpec) Validate() error {
	var errs []string

	if err := getValidator().Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed on %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	seenVolumes := make(map[string]bool, len(s.Volumes))
	for _, v := range s.Volumes {
		if seenVolumes[v.Name] {
			errs = append(errs, fmt.Sprintf("volumes: duplicate volume name %q", v.Name))
		}
		seenVolumes[v.Name] = true
	}

	for _, p := range s.Ports {
		if p.Protocol != PortTCP && p.Protocol != PortUDP {
			errs = append(errs, fmt.Sprintf("ports[%s]: protocol must be tcp or udp", p.Name))
		}
	}

	if s.MPC != nil && s.MPC.Enabled {
		if s.MPC.TotalParties > s.Replicas {
			errs = append(errs, "mpc.totalParties must not exceed replicas")
		}
		if s.MPC.Threshold > s.MPC.TotalParties {
			errs = append(errs, "mpc.threshold must not exceed mpc.totalParties")
		}
		if s.MPC.TEERequired && s.MPC.TEEPlatform == "" {
			errs = append(errs, "mpc.teePlatform is required when mpc.teeRequired is true")
		}
	}

	if s.Consensus.Enabled() && s.Consensus.MinQuorum > s.Replicas {
		errs = append(errs, "consensus.minQuorum must not exceed replicas")
	}

	if len(errs) > 0 {
		return &InvalidSpecError{Violations: errs}
	}
	return nil
}

// InvalidSpecError aggregates every schema violation found by Validate.
type InvalidSpecError struct {
	Violations []string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid spec: %s", strings.Join(e.Violations, "; "))
}
