/*
Copyright 2026 The Flow Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds FlowConfig, the default-table configuration the
// engine is constructed from. Reading config files, environment
// variables, and CLI flags is explicitly out of the core's scope (spec
// section 1); this package only models the parsed shape and the
// documented defaults, loadable from an in-memory YAML blob.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// StageConfig is the per-stage tunable slice of FlowConfig.
type StageConfig struct {
	MaxRetries            int           `yaml:"max_retries"`
	TimeoutSeconds        int           `yaml:"timeout_seconds"`
	BreakerFailThreshold  int           `yaml:"breaker_failure_threshold"`
	BreakerRecoverySecond int           `yaml:"breaker_recovery_seconds"`
}

// Timeout returns the stage's timeout as a time.Duration.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RecoveryWindow returns the stage breaker's recovery window.
func (s StageConfig) RecoveryWindow() time.Duration {
	return time.Duration(s.BreakerRecoverySecond) * time.Second
}

// ReviewGateConfig describes one of the four fixed human-review points.
type ReviewGateConfig struct {
	AllowedDecisions []string `yaml:"allowed_decisions"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	DefaultDecision  string   `yaml:"default_decision"`
}

func (r ReviewGateConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// LoopGuardConfig mirrors loopguard.Config in a YAML-friendly shape.
type LoopGuardConfig struct {
	RetentionMinutes int `yaml:"retention_minutes"`
	DetectionMinutes int `yaml:"detection_minutes"`
	PerMethodCap     int `yaml:"per_method_cap"`
	PerStageCap      int `yaml:"per_stage_cap"`
	TotalTimeMinutes int `yaml:"total_time_minutes"`
	TickSeconds      int `yaml:"tick_seconds"`
}

// FlowConfig is the full default table the engine is built from.
type FlowConfig struct {
	Stages       map[string]StageConfig      `yaml:"stages"`
	ReviewGates  map[string]ReviewGateConfig `yaml:"review_gates"`
	LoopGuard    LoopGuardConfig             `yaml:"loop_guard"`
	HistoryLimit int                         `yaml:"history_limit"`
}

// Load parses a YAML document into a FlowConfig.
func Load(data []byte) (*FlowConfig, error) {
	var cfg FlowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration implied by the spec's documented
// defaults (section 3 and section 4.6), without requiring a YAML file.
func Default() *FlowConfig {
	return &FlowConfig{
		HistoryLimit: 1000,
		Stages: map[string]StageConfig{
			"INPUT_VALIDATION": {MaxRetries: 0, TimeoutSeconds: 30, BreakerFailThreshold: 5, BreakerRecoverySecond: 300},
			"RESEARCH":         {MaxRetries: 1, TimeoutSeconds: 120, BreakerFailThreshold: 5, BreakerRecoverySecond: 300},
			"AUDIENCE_ALIGN":   {MaxRetries: 0, TimeoutSeconds: 60, BreakerFailThreshold: 5, BreakerRecoverySecond: 300},
			"DRAFT_GENERATION": {MaxRetries: 3, TimeoutSeconds: 180, BreakerFailThreshold: 3, BreakerRecoverySecond: 300},
			"STYLE_VALIDATION": {MaxRetries: 2, TimeoutSeconds: 90, BreakerFailThreshold: 3, BreakerRecoverySecond: 300},
			"QUALITY_CHECK":    {MaxRetries: 2, TimeoutSeconds: 90, BreakerFailThreshold: 3, BreakerRecoverySecond: 300},
		},
		ReviewGates: map[string]ReviewGateConfig{
			"draft_completion": {AllowedDecisions: []string{"approve", "minor", "major", "pivot"}, TimeoutSeconds: 86400, DefaultDecision: "approve"},
			"quality_gate":     {AllowedDecisions: []string{"approve", "reject"}, TimeoutSeconds: 86400, DefaultDecision: "approve"},
			"topic_viability":  {AllowedDecisions: []string{"approve", "reject"}, TimeoutSeconds: 86400, DefaultDecision: "approve"},
			"routing_override": {AllowedDecisions: []string{"continue", "research", "draft"}, TimeoutSeconds: 3600, DefaultDecision: "continue"},
		},
		LoopGuard: LoopGuardConfig{
			RetentionMinutes: 60,
			DetectionMinutes: 5,
			PerMethodCap:     50,
			PerStageCap:      10,
			TotalTimeMinutes: 30,
			TickSeconds:      30,
		},
	}
}
