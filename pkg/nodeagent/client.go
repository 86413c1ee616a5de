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

// Package nodeagent is the typed HTTP client for the node-agent contract
// the core consumes as an external collaborator: volume lifecycle,
// container lifecycle, consensus broadcast, and MPC DKG endpoints.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultBroadcastTimeout = 3 * time.Second
)

// Client issues requests against a node's HTTP API. Every method takes the
// target base URL explicitly (a node address for volume/container calls, a
// replica endpoint for consensus/MPC calls) because the core talks to many
// different nodes, never one fixed upstream — unlike the teacher's
// artifacts.Manager, which downloads from one fixed release host.
type Client struct {
	hc               *http.Client
	dialTimeout      time.Duration
	broadcastTimeout time.Duration
}

// Option configures a Client, mirroring the teacher's functional-option
// idiom (baremetal.Option, components.Option).
type Option func(*Client)

// WithTimeout overrides the per-request dial/DKG timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithBroadcastTimeout overrides the best-effort broadcast timeout (default
// 3s), per SPEC_FULL.md §4.4's resolution of Open Question 3.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(c *Client) { c.broadcastTimeout = d }
}

// New returns a Client ready to issue requests.
func New(opts ...Option) *Client {
	c := &Client{
		hc:               &http.Client{},
		dialTimeout:      defaultDialTimeout,
		broadcastTimeout: defaultBroadcastTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeError classifies a node-agent response by status code, per spec.md
// §7's propagation policy: "4xx -> caller error for that replica; 5xx /
// transport -> node-side failure".
type NodeError struct {
	StatusCode int
	Body       string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node agent returned %d: %s", e.StatusCode, e.Body)
}

// ServerSide reports whether this failure should be treated as a node-side
// (5xx/transport) failure rather than a caller error.
func (e *NodeError) ServerSide() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nodeagent: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("nodeagent: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &NodeError{StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NodeError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("nodeagent: decode response: %w", err)
		}
	}
	return nil
}

// VolumeTier mirrors spec.VolumeTier without importing pkg/spec, keeping
// this package a leaf the way the teacher keeps its HTTP-facing packages
// free of config-package imports.
type VolumeTier string

// CreateVolumeRequest is the payload for POST /v1/volumes/create.
type CreateVolumeRequest struct {
	Path   string     `json:"path"`
	SizeMb int        `json:"sizeMb"`
	Tier   VolumeTier `json:"tier"`
}

// CreateVolume provisions a replica's volume at a deterministic path.
func (c *Client) CreateVolume(ctx context.Context, nodeAddr string, req CreateVolumeRequest) error {
	return c.do(ctx, c.dialTimeout, http.MethodPost, nodeAddr+"/v1/volumes/create", req, nil)
}

// BackupVolumeRequest is the payload for POST /v1/volumes/backup.
type BackupVolumeRequest struct {
	Path           string `json:"path"`
	ServiceID      string `json:"serviceId"`
	ReplicaOrdinal int    `json:"replicaOrdinal"`
	VolumeName     string `json:"volumeName"`
}

// BackupVolumeResponse carries the returned content-addressed handle.
type BackupVolumeResponse struct {
	CID string `json:"cid"`
}

// BackupVolume requests a content-addressed snapshot of a node-local path.
func (c *Client) BackupVolume(ctx context.Context, nodeAddr string, req BackupVolumeRequest) (*BackupVolumeResponse, error) {
	var resp BackupVolumeResponse
	if err := c.do(ctx, c.dialTimeout, http.MethodPost, nodeAddr+"/v1/volumes/backup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RestoreVolumeRequest is the payload for POST /v1/volumes/restore.
type RestoreVolumeRequest struct {
	Path string `json:"path"`
	CID  string `json:"cid"`
}

// RestoreVolume restores a node-local path from a content-addressed handle.
func (c *Client) RestoreVolume(ctx context.Context, nodeAddr string, req RestoreVolumeRequest) error {
	return c.do(ctx, c.dialTimeout, http.MethodPost, nodeAddr+"/v1/volumes/restore", req, nil)
}

// CreateContainerRequest is the Docker-like payload for
// POST /v1/containers/create.
type CreateContainerRequest struct {
	Image        string            `json:"Image"`
	Command      []string          `json:"Cmd,omitempty"`
	Env          []string          `json:"Env,omitempty"`
	HostConfig   map[string]interface{} `json:"HostConfig,omitempty"`
	ExposedPorts map[string]struct{}   `json:"ExposedPorts,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	Hostname     string            `json:"Hostname"`
}

// CreateContainerResponse carries the replica's reachable endpoint.
type CreateContainerResponse struct {
	InstanceID string   `json:"instanceId"`
	Endpoint   string   `json:"endpoint"`
	Ports      []string `json:"ports"`
}

// CreateContainer deploys a replica's container on nodeAddr.
func (c *Client) CreateContainer(ctx context.Context, nodeAddr string, req CreateContainerRequest) (*CreateContainerResponse, error) {
	var resp CreateContainerResponse
	if err := c.do(ctx, c.dialTimeout, http.MethodPost, nodeAddr+"/v1/containers/create", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopContainer stops a running container, best-effort per spec.md §4.2.
func (c *Client) StopContainer(ctx context.Context, nodeAddr, instanceID string) error {
	return c.do(ctx, c.dialTimeout, http.MethodPost, fmt.Sprintf("%s/v1/containers/%s/stop", nodeAddr, instanceID), nil, nil)
}

// LeaderChangeRequest is the payload for POST /consensus/leader-change.
type LeaderChangeRequest struct {
	Epoch          int64  `json:"epoch"`
	LeaderID       int    `json:"leaderId"`
	LeaderEndpoint string `json:"leaderEndpoint"`
}

// NotifyLeaderChange broadcasts a new leader to one replica endpoint,
// best-effort: the caller decides whether to swallow the error.
func (c *Client) NotifyLeaderChange(ctx context.Context, replicaEndpoint string, req LeaderChangeRequest) error {
	return c.do(ctx, c.broadcastTimeout, http.MethodPost, replicaEndpoint+"/consensus/leader-change", req, nil)
}

// Peer describes one replica in a peer-update broadcast.
type Peer struct {
	Ordinal  int    `json:"ordinal"`
	Endpoint string `json:"endpoint"`
	Role     string `json:"role"`
}

// PeerUpdateRequest is the payload for POST /consensus/peer-update.
type PeerUpdateRequest struct {
	Peers []Peer `json:"peers"`
	Epoch int64  `json:"epoch"`
}

// NotifyPeerUpdate broadcasts the current peer list to one replica
// endpoint, best-effort.
func (c *Client) NotifyPeerUpdate(ctx context.Context, replicaEndpoint string, req PeerUpdateRequest) error {
	return c.do(ctx, c.broadcastTimeout, http.MethodPost, replicaEndpoint+"/consensus/peer-update", req, nil)
}

// DKGParty describes one participant passed to dkg/init.
type DKGParty struct {
	PartyID  string `json:"partyId"`
	Endpoint string `json:"endpoint"`
}

// DKGInitRequest is the payload for POST /mpc/dkg/init.
type DKGInitRequest struct {
	ClusterID    string     `json:"clusterId"`
	Threshold    int        `json:"threshold"`
	TotalParties int        `json:"totalParties"`
	PartyID      string     `json:"partyId"`
	Parties      []DKGParty `json:"parties"`
}

// DKGInitResponse carries the party's contribution to the threshold key.
type DKGInitResponse struct {
	PublicKey string `json:"publicKey"`
}

// DKGInit issues dkg/init against one party's replica endpoint.
func (c *Client) DKGInit(ctx context.Context, replicaEndpoint string, req DKGInitRequest) (*DKGInitResponse, error) {
	var resp DKGInitResponse
	if err := c.do(ctx, c.dialTimeout, http.MethodPost, replicaEndpoint+"/mpc/dkg/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DKGFinalizeRequest is the payload for POST /mpc/dkg/finalize.
type DKGFinalizeRequest struct {
	ClusterID string `json:"clusterId"`
}

// DKGFinalizeResponse carries the aggregated threshold public key.
type DKGFinalizeResponse struct {
	ThresholdPublicKey string `json:"thresholdPublicKey"`
}

// DKGFinalize requests the aggregated threshold public key from party 0.
func (c *Client) DKGFinalize(ctx context.Context, party0Endpoint string, req DKGFinalizeRequest) (*DKGFinalizeResponse, error) {
	var resp DKGFinalizeResponse
	if err := c.do(ctx, c.dialTimeout, http.MethodPost, party0Endpoint+"/mpc/dkg/finalize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Probe issues a GET against a replica's health or readiness path and
// reports whether it responded with 2xx within timeout.
func (c *Client) Probe(ctx context.Context, endpoint, path string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+path, nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
