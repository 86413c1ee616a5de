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

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulamesh/controlplane/pkg/spec"
)

func testSpec(name string) spec.ServiceSpec {
	return spec.ServiceSpec{
		Name:     name,
		Replicas: 3,
		Image:    "x/sql",
		Tag:      "1",
		Hardware: spec.Hardware{CPUCores: 2, MemoryMb: 2048, StorageMb: 102400},
		HealthCheck: spec.HealthCheck{
			Path: "/v1/status",
			Port: 8080,
		},
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := New()
	ctx := context.Background()

	_, err := r.Create(ctx, "alice", testSpec("db"))
	require.NoError(t, err)

	_, err = r.Create(ctx, "alice", testSpec("db"))
	require.Error(t, err)
	var already *AlreadyExistsError
	assert.ErrorAs(t, err, &already)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	r := New()
	bad := testSpec("db")
	bad.Name = "" // required
	_, err := r.Create(context.Background(), "alice", bad)
	require.Error(t, err)
	var invalid *InvalidSpecError
	assert.ErrorAs(t, err, &invalid)
}

func TestGetAndGetByName(t *testing.T) {
	r := New()
	ctx := context.Background()
	svc, err := r.Create(ctx, "alice", testSpec("db"))
	require.NoError(t, err)

	got := r.Get(svc.ID)
	require.NotNil(t, got)
	assert.Equal(t, svc.ID, got.ID)

	byName := r.GetByName("default", "db")
	require.NotNil(t, byName)
	assert.Equal(t, svc.ID, byName.ID)

	assert.Nil(t, r.Get("missing"))
	assert.Nil(t, r.GetByName("default", "missing"))
}

func TestListByOwnerAndListAll(t *testing.T) {
	r := New()
	ctx := context.Background()
	_, err := r.Create(ctx, "alice", testSpec("db1"))
	require.NoError(t, err)
	_, err = r.Create(ctx, "alice", testSpec("db2"))
	require.NoError(t, err)
	_, err = r.Create(ctx, "bob", testSpec("db3"))
	require.NoError(t, err)

	aliceSvcs := r.ListByOwner("ALICE") // case-insensitive
	assert.Len(t, aliceSvcs, 2)

	all := r.ListAll()
	assert.Len(t, all, 3)
}

func TestWithLockCommitsEvenOnError(t *testing.T) {
	r := New()
	ctx := context.Background()
	svc, err := r.Create(ctx, "alice", testSpec("db"))
	require.NoError(t, err)

	sentinel := assert.AnError
	err = r.WithLock(ctx, svc.ID, func(s *Service) error {
		s.Status = ServiceFailed
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got := r.Get(svc.ID)
	require.NotNil(t, got)
	assert.Equal(t, ServiceFailed, got.Status)
}

func TestWithLockNotFound(t *testing.T) {
	r := New()
	err := r.WithLock(context.Background(), "missing", func(*Service) error { return nil })
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTerminateIsNotIdempotent(t *testing.T) {
	r := New()
	ctx := context.Background()
	svc, err := r.Create(ctx, "alice", testSpec("db"))
	require.NoError(t, err)

	require.NoError(t, r.Terminate(ctx, svc.ID, "alice"))

	err = r.Terminate(ctx, svc.ID, "alice")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTerminateForbidsNonOwner(t *testing.T) {
	r := New()
	ctx := context.Background()
	svc, err := r.Create(ctx, "alice", testSpec("db"))
	require.NoError(t, err)

	err = r.Terminate(ctx, svc.ID, "mallory")
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	// service must still be present after the rejected attempt
	assert.NotNil(t, r.Get(svc.ID))
}
