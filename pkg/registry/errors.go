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

package registry

import "fmt"

// AlreadyExistsError is returned by Create when (namespace, name) is taken.
type AlreadyExistsError struct {
	Namespace, Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("service %s/%s already exists", e.Namespace, e.Name)
}

// NotFoundError is returned when an id does not resolve to a service.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service %q not found", e.ID)
}

// ForbiddenError is returned when caller does not own the service.
type ForbiddenError struct {
	ID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("caller is not the owner of service %q", e.ID)
}

// InvalidSpecError wraps a spec validation failure.
type InvalidSpecError struct {
	Cause error
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid spec: %v", e.Cause)
}

func (e *InvalidSpecError) Unwrap() error {
	return e.Cause
}
