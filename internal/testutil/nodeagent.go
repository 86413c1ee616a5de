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

package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/nebulamesh/controlplane/pkg/nodeagent"
)

// FakeNodeAgent is an in-memory stand-in for a real node-agent's HTTP API,
// letting coordinator/health/reconciler tests drive real nodeagent.Client
// calls against a local httptest.Server instead of a live node fleet.
type FakeNodeAgent struct {
	mu sync.Mutex

	// FailCreateContainer, when set, is returned by every
	// /v1/containers/create call instead of succeeding.
	FailCreateContainer error
	// FailDKGInit, when set, is returned by every /mpc/dkg/init call.
	FailDKGInit error
	// HealthOK controls every /healthz probe's response code.
	HealthOK bool

	containerSeq int
	snapshotSeq  int
	dkgParties   map[string]string // partyID -> publicKey

	Server *httptest.Server
}

// NewFakeNodeAgent starts a listening fake node-agent and returns it. Callers
// must call Close when done.
func NewFakeNodeAgent() *FakeNodeAgent {
	f := &FakeNodeAgent{
		HealthOK:   true,
		dkgParties: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/volumes/create", f.handleVolumeCreate)
	mux.HandleFunc("/v1/volumes/backup", f.handleVolumeBackup)
	mux.HandleFunc("/v1/volumes/restore", f.handleVolumeRestore)
	mux.HandleFunc("/v1/containers/create", f.handleContainerCreate)
	mux.HandleFunc("/consensus/leader-change", f.handleNoop)
	mux.HandleFunc("/consensus/peer-update", f.handleNoop)
	mux.HandleFunc("/mpc/dkg/init", f.handleDKGInit)
	mux.HandleFunc("/mpc/dkg/finalize", f.handleDKGFinalize)
	mux.HandleFunc("/healthz", f.handleHealthz)
	mux.HandleFunc("/readyz", f.handleHealthz)
	mux.HandleFunc("/v1/containers/", f.handleNoop) // covers /{id}/stop

	f.Server = httptest.NewServer(mux)
	return f
}

// Addr returns the fake agent's base URL, suitable as a placement.Node's
// Address or a replica's Endpoint.
func (f *FakeNodeAgent) Addr() string { return f.Server.URL }

// Close stops the underlying httptest.Server.
func (f *FakeNodeAgent) Close() { f.Server.Close() }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *FakeNodeAgent) handleVolumeCreate(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *FakeNodeAgent) handleVolumeBackup(w http.ResponseWriter, r *http.Request) {
	var req nodeagent.BackupVolumeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.snapshotSeq++
	seq := f.snapshotSeq
	f.mu.Unlock()

	writeJSON(w, nodeagent.BackupVolumeResponse{
		CID: fmt.Sprintf("cid-%s-%d-%d", req.VolumeName, req.ReplicaOrdinal, seq),
	})
}

func (f *FakeNodeAgent) handleVolumeRestore(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *FakeNodeAgent) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.FailCreateContainer != nil {
		err := f.FailCreateContainer
		f.mu.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f.containerSeq++
	seq := f.containerSeq
	f.mu.Unlock()

	var req nodeagent.CreateContainerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	writeJSON(w, nodeagent.CreateContainerResponse{
		InstanceID: fmt.Sprintf("instance-%d", seq),
		Endpoint:   f.Server.URL,
		Ports:      []string{"8080/tcp"},
	})
}

func (f *FakeNodeAgent) handleDKGInit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.FailDKGInit != nil {
		err := f.FailDKGInit
		f.mu.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f.mu.Unlock()

	var req nodeagent.DKGInitRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	pubKey := fmt.Sprintf("pubkey-%s", req.PartyID)
	f.mu.Lock()
	f.dkgParties[req.PartyID] = pubKey
	f.mu.Unlock()

	writeJSON(w, nodeagent.DKGInitResponse{PublicKey: pubKey})
}

func (f *FakeNodeAgent) handleDKGFinalize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, nodeagent.DKGFinalizeResponse{ThresholdPublicKey: "threshold-pubkey"})
}

func (f *FakeNodeAgent) handleHealthz(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	ok := f.HealthOK
	f.mu.Unlock()
	if !ok {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeNodeAgent) handleNoop(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// SetHealthy flips the fake agent's /healthz response, used to simulate a
// replica going unhealthy mid-test.
func (f *FakeNodeAgent) SetHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HealthOK = ok
}
