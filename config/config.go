// Package config holds the manager- and migration-level knobs, loaded
// from YAML with sane defaults the way the teacher's cmn.Config is
// assembled and validated at startup.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind names one of the three BlockTransport implementations.
type BackendKind string

const (
	BackendRPC     BackendKind = "rayrpc"
	BackendCollCPU BackendKind = "gloo"
	BackendCollGPU BackendKind = "nccl"
)

type MigrationConfig struct {
	Backend            BackendKind   `yaml:"backend"`
	BufferBlocks       int           `yaml:"migration_buffer_blocks"`
	NumLayers          int           `yaml:"migration_num_layers"`
	LastStageMaxBlocks int           `yaml:"last_stage_max_blocks"`
	MaxStages          int           `yaml:"max_stages"`
	RequestStageTimeout time.Duration `yaml:"request_stage_timeout"`
}

type ManagerConfig struct {
	Migration                    MigrationConfig `yaml:"migration"`
	ClearRequestInstanceInterval time.Duration   `yaml:"clear_request_instance_interval"`
	NoInstanceRetryInterval      time.Duration   `yaml:"no_instance_retry_generate_interval"`
	WaitAllMigrationsDoneInterval time.Duration  `yaml:"wait_all_migrations_done_interval"`
	AutoScaleUpInterval          time.Duration   `yaml:"auto_scale_up_interval"`
	InstanceReadyTimeout         time.Duration   `yaml:"instance_ready_timeout"`
	DispatchLogFrequency         int             `yaml:"dispatch_log_frequency"`

	// PollingInterval paces RunPollLoop's rebuild+pair-migration tick.
	PollingInterval time.Duration `yaml:"polling_interval"`
	// PairMigrationFrequency runs the pair-migration push once every N
	// polling ticks, the way the upstream manager decouples its (cheap)
	// instance-info poll from its (costlier) migration push.
	PairMigrationFrequency int  `yaml:"pair_migration_frequency"`
	EnableMigration        bool `yaml:"enable_migration"`
	EnablePDDisagg         bool `yaml:"enable_pd_disagg"`
	// ScaleUpLoadThreshold is the per-instance running+waiting count above
	// which the deployment is considered saturated; callers driving their
	// own autoscaler read this to decide whether to call ScaleUp.
	ScaleUpLoadThreshold int `yaml:"scale_up_load_threshold"`
}

func Default() *ManagerConfig {
	return &ManagerConfig{
		Migration: MigrationConfig{
			Backend:             BackendRPC,
			BufferBlocks:        16,
			NumLayers:           1,
			LastStageMaxBlocks:  4,
			MaxStages:           3,
			RequestStageTimeout: 10 * time.Second,
		},
		ClearRequestInstanceInterval:  1000 * time.Second,
		NoInstanceRetryInterval:       1 * time.Second,
		WaitAllMigrationsDoneInterval: 100 * time.Millisecond,
		AutoScaleUpInterval:           1 * time.Second,
		InstanceReadyTimeout:          300 * time.Second,
		DispatchLogFrequency:          100,

		PollingInterval:         1 * time.Second,
		PairMigrationFrequency:  1,
		EnableMigration:         true,
		EnablePDDisagg:          false,
		ScaleUpLoadThreshold:    16,
	}
}

// Load reads a YAML file over the defaults and clamps values that
// depend on runtime-discovered capacity (gpuBlocks, numModelLayers).
func Load(path string, gpuBlocks, numModelLayers int) (*ManagerConfig, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	cfg.clamp(gpuBlocks, numModelLayers)
	return cfg, nil
}

func (c *ManagerConfig) clamp(gpuBlocks, numModelLayers int) {
	if gpuBlocks > 0 && c.Migration.BufferBlocks > gpuBlocks {
		c.Migration.BufferBlocks = gpuBlocks
	}
	if numModelLayers > 0 && c.Migration.NumLayers > numModelLayers {
		c.Migration.NumLayers = numModelLayers
	}
	if c.Migration.BufferBlocks <= 0 {
		c.Migration.BufferBlocks = 1
	}
	if c.Migration.NumLayers <= 0 {
		c.Migration.NumLayers = 1
	}
}
