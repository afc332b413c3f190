// Package config loads environment-driven configuration the way the
// teacher's pkg/config/config.go does, plus the governance.json
// bootstrap defaults and fatigue-guard thresholds this gateway needs.
package config

import (
	"os"
	"strconv"
)

// Config holds process-wide settings read once at startup.
type Config struct {
	LogLevel              string
	DebugStack            bool
	BootstrapSecret       string
	AttestationSecret     string
	MasterKey             string
	RedisAddr             string
	AWSExportBucket       string
	SQLiteIndexPath       string
	OperatorTokenSecret   string
}

// Load reads environment variables with explicit, documented defaults.
func Load() *Config {
	return &Config{
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		DebugStack:        getenv("DEBUG_STACK", "false") == "true",
		BootstrapSecret:   os.Getenv("KAIZA_BOOTSTRAP_SECRET"),
		AttestationSecret: os.Getenv("KAIZA_ATTESTATION_SECRET"),
		MasterKey:         os.Getenv("KAIZA_MASTER_KEY"),
		RedisAddr:         os.Getenv("GATEKERNEL_REDIS_ADDR"),
		AWSExportBucket:   os.Getenv("GATEKERNEL_S3_BUCKET"),
		SQLiteIndexPath:   getenv("GATEKERNEL_SQLITE_INDEX", ""),
		OperatorTokenSecret: os.Getenv("GATEKERNEL_OPERATOR_TOKEN_SECRET"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Governance is the persisted R/.kaiza/governance.json shape (spec.md §6).
// Secure defaults per spec.md §9 design note 3: both bootstrap knobs
// default closed and require explicit operator opt-in in the file on
// disk — never via environment variable, which would reintroduce the
// cross-copy ambiguity the design note warns against.
type Governance struct {
	BootstrapEnabled   bool `json:"bootstrap_enabled"`
	ApprovedPlansCount int  `json:"approved_plans_count"`
	AutoRegisterPlans  bool `json:"auto_register_plans"`
}

// DefaultGovernance returns the secure bootstrap defaults.
func DefaultGovernance() Governance {
	return Governance{BootstrapEnabled: false, ApprovedPlansCount: 0, AutoRegisterPlans: false}
}

// FatigueThresholds are the Session State fatigue-guard defaults
// (spec.md §4.K): 10/session, 20/hour, pause after 5 consecutive
// approvals for 60 seconds.
type FatigueThresholds struct {
	MaxPerSession            int
	MaxPerHour               int
	ConsecutiveBeforePause   int
	MandatoryPauseSeconds    int
}

// DefaultFatigueThresholds returns the spec-documented defaults.
func DefaultFatigueThresholds() FatigueThresholds {
	return FatigueThresholds{MaxPerSession: 10, MaxPerHour: 20, ConsecutiveBeforePause: 5, MandatoryPauseSeconds: 60}
}

// FatigueThresholdsFromEnv overlays environment overrides onto the
// defaults, for operators tuning thresholds without a profile file.
func FatigueThresholdsFromEnv() FatigueThresholds {
	t := DefaultFatigueThresholds()
	if v, ok := intEnv("GATEKERNEL_FATIGUE_MAX_SESSION"); ok {
		t.MaxPerSession = v
	}
	if v, ok := intEnv("GATEKERNEL_FATIGUE_MAX_HOUR"); ok {
		t.MaxPerHour = v
	}
	if v, ok := intEnv("GATEKERNEL_FATIGUE_CONSECUTIVE"); ok {
		t.ConsecutiveBeforePause = v
	}
	if v, ok := intEnv("GATEKERNEL_FATIGUE_PAUSE_SECONDS"); ok {
		t.MandatoryPauseSeconds = v
	}
	return t
}

func intEnv(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
