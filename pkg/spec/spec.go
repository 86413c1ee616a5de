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

// Package spec defines the declarative ServiceSpec accepted by Create and
// its validation rules.
package spec

import "time"

// GPUType enumerates the recognized accelerator kinds.
type GPUType string

const (
	GPUNone GPUType = "none"
)

// TEEPlatform enumerates the recognized trusted-execution environments.
type TEEPlatform string

const (
	TEENone      TEEPlatform = "none"
	TEEIntelSGX  TEEPlatform = "intel-sgx"
	TEEIntelTDX  TEEPlatform = "intel-tdx"
	TEEAMDSev    TEEPlatform = "amd-sev"
	TEENvidiaCC  TEEPlatform = "nvidia-cc"
)

// Protocol enumerates the recognized consensus protocols.
type Protocol string

const (
	ProtocolRaft  Protocol = "raft"
	ProtocolPaxos Protocol = "paxos"
	ProtocolSqlit Protocol = "sqlit"
	ProtocolNone  Protocol = "none"
)

// StorageType enumerates the recognized volume storage tiers for container
// local storage (as opposed to VolumeTier, which applies to declared
// volumes).
type StorageType string

const (
	StorageSSD  StorageType = "ssd"
	StorageNVMe StorageType = "nvme"
	StorageHDD  StorageType = "hdd"
)

// VolumeTier enumerates the recognized declared-volume storage tiers.
type VolumeTier string

const (
	VolumeTierSSD       VolumeTier = "ssd"
	VolumeTierNVMe      VolumeTier = "nvme"
	VolumeTierIPFS       VolumeTier = "ipfs-backed"
)

// Protocol for a declared container port.
type PortProtocol string

const (
	PortTCP PortProtocol = "tcp"
	PortUDP PortProtocol = "udp"
)

// ServiceSpec is the declared, desired configuration of a replicated
// stateful service. The field of ServiceSpec that carry a `validate` tag
// are checked against that requirement by Validate, which also runs the
// cross-field checks (e.g. on Volumes, MPC) inline.
type ServiceSpec struct {
	// Identity.
	Name      string `yaml:"name" validate:"required,serviceName"`
	Namespace string `yaml:"namespace" validate:"omitempty,hostname_rfc1123"`
	Replicas  int    `yaml:"replicas" validate:"required,gte=1,lte=100"`
	Image     string `yaml:"image" validate:"required"`
	Tag       string `yaml:"tag"`

	// Container.
	Command []string          `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Ports   []Port            `yaml:"ports,omitempty" validate:"dive"`

	Hardware Hardware `yaml:"hardware" validate:"required"`
	Volumes  []Volume `yaml:"volumes,omitempty" validate:"dive"`

	Consensus *ConsensusSpec `yaml:"consensus,omitempty"`
	MPC       *MPCSpec       `yaml:"mpc,omitempty"`

	HealthCheck HealthCheck `yaml:"healthCheck" validate:"required"`
	Readiness   *Readiness  `yaml:"readiness,omitempty"`

	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`

	TerminationGracePeriodSeconds int `yaml:"terminationGracePeriodSeconds"`
}

// Port is a declared container port.
type Port struct {
	Name          string       `yaml:"name" validate:"required"`
	ContainerPort int          `yaml:"containerPort" validate:"required,gt=0,lte=65535"`
	Protocol      PortProtocol `yaml:"protocol" validate:"required,oneof=tcp udp"`
}

// Hardware describes the resource requirements and placement constraints of
// a single replica.
type Hardware struct {
	CPUCores             float64     `yaml:"cpuCores" validate:"required,gte=1"`
	CPUArchitecture      string      `yaml:"cpuArchitecture" validate:"omitempty,oneof=amd64 arm64"`
	MemoryMb             int         `yaml:"memoryMb" validate:"required,gte=128"`
	StorageMb            int         `yaml:"storageMb" validate:"required,gte=1024"`
	StorageType          StorageType `yaml:"storageType" validate:"omitempty,oneof=ssd nvme hdd"`
	GPUType              GPUType     `yaml:"gpuType"`
	GPUCount             int         `yaml:"gpuCount" validate:"gte=0"`
	NetworkBandwidthMbps int         `yaml:"networkBandwidthMbps"`
	PublicIP             bool        `yaml:"publicIp"`
	TEEPlatform          TEEPlatform `yaml:"teePlatform" validate:"omitempty,oneof=intel-sgx intel-tdx amd-sev nvidia-cc none"`
	Region               string      `yaml:"region,omitempty"`
}

// BackupPolicy describes periodic content-addressed snapshot behavior for
// one declared volume.
type BackupPolicy struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"intervalSeconds" validate:"omitempty,gt=0"`
	RetentionCount  int  `yaml:"retentionCount" validate:"omitempty,gte=0"`
	IPFSPin         bool `yaml:"ipfsPin"`
}

// Volume is a single declared per-replica local volume.
type Volume struct {
	Name      string       `yaml:"name" validate:"required"`
	SizeMb    int          `yaml:"sizeMb" validate:"required,gte=100"`
	Tier      VolumeTier   `yaml:"tier" validate:"required,oneof=ssd nvme ipfs-backed"`
	MountPath string       `yaml:"mountPath" validate:"required"`
	Backup    BackupPolicy `yaml:"backup,omitempty"`
}

// ConsensusSpec is the optional consensus configuration.
type ConsensusSpec struct {
	Protocol             Protocol `yaml:"protocol" validate:"required,oneof=raft paxos sqlit none"`
	MinQuorum            int      `yaml:"minQuorum" validate:"omitempty,gte=1"`
	ElectionTimeoutMs    int      `yaml:"electionTimeoutMs"`
	HeartbeatIntervalMs  int      `yaml:"heartbeatIntervalMs"`
	SnapshotThreshold    int      `yaml:"snapshotThreshold"`
}

// Enabled reports whether consensus is actually in effect for this spec.
func (c *ConsensusSpec) Enabled() bool {
	return c != nil && c.Protocol != ProtocolNone && c.Protocol != ""
}

// MPCSpec is the optional multi-party-computation configuration.
type MPCSpec struct {
	Enabled              bool        `yaml:"enabled"`
	Threshold            int         `yaml:"threshold" validate:"required_if=Enabled true,omitempty,gte=1"`
	TotalParties         int         `yaml:"totalParties" validate:"required_if=Enabled true,omitempty,gte=2"`
	TEERequired          bool        `yaml:"teeRequired"`
	TEEPlatform          TEEPlatform `yaml:"teePlatform" validate:"omitempty,oneof=intel-sgx intel-tdx amd-sev nvidia-cc none"`
	KeyRotationIntervalMs int64      `yaml:"keyRotationIntervalMs"`
}

// HealthCheck is the mandatory liveness probe configuration.
type HealthCheck struct {
	Path              string `yaml:"path" validate:"required"`
	Port              int    `yaml:"port" validate:"required,gt=0,lte=65535"`
	IntervalSeconds   int    `yaml:"intervalSeconds"`
	TimeoutSeconds    int    `yaml:"timeoutSeconds"`
	FailureThreshold  int    `yaml:"failureThreshold"`
	SuccessThreshold  int    `yaml:"successThreshold"`
}

// Readiness is the optional startup readiness-gate probe configuration.
type Readiness struct {
	Path               string `yaml:"path" validate:"required"`
	Port               int    `yaml:"port" validate:"required,gt=0,lte=65535"`
	InitialDelaySeconds int   `yaml:"initialDelaySeconds"`
	PeriodSeconds       int   `yaml:"periodSeconds"`
}

// Defaults applies the spec-declared default values to any zero field. It
// mutates and also returns the receiver for chaining, mirroring the
// teacher's DefaultBareMetalConfig constructor idiom.
func (s *ServiceSpec) Defaults() *ServiceSpec {
	if s.Namespace == "" {
		s.Namespace = "default"
	}
	if s.Tag == "" {
		s.Tag = "latest"
	}
	if s.Hardware.CPUArchitecture == "" {
		s.Hardware.CPUArchitecture = "amd64"
	}
	if s.Hardware.StorageType == "" {
		s.Hardware.StorageType = StorageSSD
	}
	if s.Hardware.GPUType == "" {
		s.Hardware.GPUType = GPUNone
	}
	if s.Hardware.NetworkBandwidthMbps == 0 {
		s.Hardware.NetworkBandwidthMbps = 1000
	}
	if s.Hardware.TEEPlatform == "" {
		s.Hardware.TEEPlatform = TEENone
	}
	if s.Consensus != nil {
		if s.Consensus.ElectionTimeoutMs == 0 {
			s.Consensus.ElectionTimeoutMs = 5000
		}
		if s.Consensus.HeartbeatIntervalMs == 0 {
			s.Consensus.HeartbeatIntervalMs = 500
		}
		if s.Consensus.SnapshotThreshold == 0 {
			s.Consensus.SnapshotThreshold = 10000
		}
	}
	if s.MPC != nil && s.MPC.KeyRotationIntervalMs == 0 {
		s.MPC.KeyRotationIntervalMs = int64(24 * time.Hour / time.Millisecond)
	}
	if s.HealthCheck.IntervalSeconds == 0 {
		s.HealthCheck.IntervalSeconds = 10
	}
	if s.HealthCheck.TimeoutSeconds == 0 {
		s.HealthCheck.TimeoutSeconds = 5
	}
	if s.HealthCheck.FailureThreshold == 0 {
		s.HealthCheck.FailureThreshold = 3
	}
	if s.HealthCheck.SuccessThreshold == 0 {
		s.HealthCheck.SuccessThreshold = 1
	}
	if s.Readiness != nil {
		if s.Readiness.InitialDelaySeconds == 0 {
			s.Readiness.InitialDelaySeconds = 5
		}
		if s.Readiness.PeriodSeconds == 0 {
			s.Readiness.PeriodSeconds = 5
		}
	}
	if s.TerminationGracePeriodSeconds == 0 {
		s.TerminationGracePeriodSeconds = 30
	}
	for i := range s.Volumes {
		if s.Volumes[i].Backup.Enabled && s.Volumes[i].Backup.IntervalSeconds == 0 {
			s.Volumes[i].Backup.IntervalSeconds = 3600
		}
	}
	return s
}

// QuorumRequired returns the minimum count of healthy+ready replicas needed
// to elect a leader, per spec.md's quorum_required definition.
func (s *ServiceSpec) QuorumRequired() int {
	if s.Consensus != nil && s.Consensus.MinQuorum > 0 {
		return s.Consensus.MinQuorum
	}
	return s.Replicas/2 + 1
}

// ReadinessProbe returns the probe to use for the readiness gate: the
// declared readiness probe if present, otherwise the mandatory health
// check, per spec.md §4.2 step 6 ("readinessCheck, or falling back to
// healthCheck").
func (s *ServiceSpec) ReadinessProbe() (path string, port int, period time.Duration) {
	if s.Readiness != nil {
		return s.Readiness.Path, s.Readiness.Port, time.Duration(s.Readiness.PeriodSeconds) * time.Second
	}
	return s.HealthCheck.Path, s.HealthCheck.Port, time.Duration(s.HealthCheck.IntervalSeconds) * time.Second
}

// BackupIntervalSeconds returns the minimum backup interval across all
// backup-enabled volumes, or 0 if none are enabled, per spec.md §4.5.
func (s *ServiceSpec) BackupIntervalSeconds() int {
	min := 0
	for _, v := range s.Volumes {
		if !v.Backup.Enabled {
			continue
		}
		if min == 0 || v.Backup.IntervalSeconds < min {
			min = v.Backup.IntervalSeconds
		}
	}
	return min
}
