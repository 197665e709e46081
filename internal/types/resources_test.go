package types

import (
	"testing"
)

func TestParseCPU(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"empty string", "", 0, false},
		{"millicores", "500m", 500, false},
		{"one core", "1", 1000, false},
		{"one core with m", "1000m", 1000, false},
		{"two cores", "2", 2000, false},
		{"half core decimal", "0.5", 500, false},
		{"two and half cores", "2.5", 2500, false},
		{"invalid format", "abc", 0, true},
		{"invalid millicores", "abcm", 0, true},
		{"negative cores", "-1", 0, true},
		{"whitespace", " 250m ", 250, false},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := ParseCPU(tt.input)
				if (err != nil) != tt.wantErr {
					t.Errorf("ParseCPU() error = %v, wantErr %v", err, tt.wantErr)
					return
				}
				if got != tt.want {
					t.Errorf("ParseCPU() = %v, want %v", got, tt.want)
				}
			},
		)
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"empty string", "", 0, false},
		{"bytes", "1024", 1024, false},
		{"Ki", "1Ki", 1024, false},
		{"Mi", "256Mi", 256 * 1024 * 1024, false},
		{"Gi", "1Gi", 1024 * 1024 * 1024, false},
		{"Ti", "1Ti", 1024 * 1024 * 1024 * 1024, false},
		{"K decimal", "1K", 1000, false},
		{"M decimal", "512M", 512 * 1000 * 1000, false},
		{"G decimal", "2G", 2 * 1000 * 1000 * 1000, false},
		{"T decimal", "1T", 1000 * 1000 * 1000 * 1000, false},
		{"decimal Mi", "1.5Mi", int64(1.5 * 1024 * 1024), false},
		{"invalid format", "abc", 0, true},
		{"invalid unit", "123xyz", 0, true},
		{"negative bytes", "-5", 0, true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := ParseMemory(tt.input)
				if (err != nil) != tt.wantErr {
					t.Errorf("ParseMemory() error = %v, wantErr %v", err, tt.wantErr)
					return
				}
				if got != tt.want {
					t.Errorf("ParseMemory() = %v, want %v", got, tt.want)
				}
			},
		)
	}
}

func TestResourceLimits(t *testing.T) {
	tests := []struct {
		name       string
		limits     ResourceLimits
		wantErr    bool
		wantMilli  int64
		wantBytes  int64
		wantNanoCP int64
	}{
		{"empty", ResourceLimits{}, false, 0, 0, 0},
		{"half core 512Mi", ResourceLimits{CPU: "500m", Memory: "512Mi"}, false, 500, 512 * 1024 * 1024, 500_000_000},
		{"two cores", ResourceLimits{CPU: "2", Memory: "1G"}, false, 2000, 1000 * 1000 * 1000, 2_000_000_000},
		{"bad cpu", ResourceLimits{CPU: "lots"}, true, 0, 0, 0},
		{"bad memory", ResourceLimits{Memory: "1Qi"}, true, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				err := tt.limits.Validate()
				if (err != nil) != tt.wantErr {
					t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
				if tt.wantErr {
					return
				}
				if got := tt.limits.MilliCPU(); got != tt.wantMilli {
					t.Errorf("MilliCPU() = %d, want %d", got, tt.wantMilli)
				}
				if got := tt.limits.MemoryBytes(); got != tt.wantBytes {
					t.Errorf("MemoryBytes() = %d, want %d", got, tt.wantBytes)
				}
				if got := tt.limits.NanoCPUs(); got != tt.wantNanoCP {
					t.Errorf("NanoCPUs() = %d, want %d", got, tt.wantNanoCP)
				}
			},
		)
	}
}
