package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceLimits caps the compute a single task of a job may use.
// Quantities use the Kubernetes/Cloud Run notation ("500m", "2", "512Mi", "1Gi")
// so they can be forwarded verbatim to backends that accept them.
type ResourceLimits struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// IsZero reports whether no limit is set.
func (r ResourceLimits) IsZero() bool {
	return r.CPU == "" && r.Memory == ""
}

// Validate checks that both quantities parse.
func (r ResourceLimits) Validate() error {
	if _, err := ParseCPU(r.CPU); err != nil {
		return err
	}
	if _, err := ParseMemory(r.Memory); err != nil {
		return err
	}
	return nil
}

// MilliCPU returns the CPU limit in millicores, 0 when unset or invalid.
func (r ResourceLimits) MilliCPU() int64 {
	v, _ := ParseCPU(r.CPU)
	return v
}

// MemoryBytes returns the memory limit in bytes, 0 when unset or invalid.
func (r ResourceLimits) MemoryBytes() int64 {
	v, _ := ParseMemory(r.Memory)
	return v
}

// NanoCPUs converts the CPU limit to the unit Docker expects (1e9 per core).
func (r ResourceLimits) NanoCPUs() int64 {
	return r.MilliCPU() * 1_000_000
}

// ParseCPU parses a CPU quantity string into millicores
// Supports formats: "500m" (millicores), "1" or "1000m" (1 core), "2.5" (2.5 cores)
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if millis, ok := strings.CutSuffix(s, "m"); ok {
		v, err := strconv.ParseInt(millis, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid CPU format: %s", s)
		}
		return v, nil
	}

	cores, err := strconv.ParseFloat(s, 64)
	if err != nil || cores < 0 {
		return 0, fmt.Errorf("invalid CPU format: %s", s)
	}

	return int64(cores * 1000), nil
}

var memoryUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
	{"T", 1000 * 1000 * 1000 * 1000},
	{"G", 1000 * 1000 * 1000},
	{"M", 1000 * 1000},
	{"K", 1000},
}

// ParseMemory parses a memory quantity string into bytes
// Supports formats: "256Mi", "1Gi", "512000000" (bytes), "512M", "1G"
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	for _, unit := range memoryUnits {
		numStr, ok := strings.CutSuffix(s, unit.suffix)
		if !ok {
			continue
		}
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil || num < 0 {
			return 0, fmt.Errorf("invalid memory format: %s", s)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	bytes, err := strconv.ParseInt(s, 10, 64)
	if err != nil || bytes < 0 {
		return 0, fmt.Errorf("invalid memory format: %s", s)
	}

	return bytes, nil
}
