package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withVersion(t *testing.T, v, commit string) {
	t.Helper()
	oldVersion, oldCommit := Version, GitCommit
	Version, GitCommit = v, commit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })
}

func TestInfo(t *testing.T) {
	info := Info()
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), "cardformula ")
}

func TestBuildInfoString(t *testing.T) {
	tests := []struct {
		name     string
		info     BuildInfo
		contains []string
		excludes []string
	}{
		{
			name:     "dev build",
			info:     BuildInfo{Version: "dev", BuildDate: unknownValue, GitCommit: unknownValue, GoVersion: "go1.24.4"},
			contains: []string{"cardformula dev\n", "go:     go1.24.4"},
			excludes: []string{"commit:", "built:"},
		},
		{
			name: "release build",
			info: BuildInfo{
				Version:   "v1.2.0",
				BuildDate: "2026-01-02T03:04:05Z",
				GitCommit: "0123456789abcdef-dirty",
				GoVersion: "go1.24.4",
				Dirty:     true,
			},
			contains: []string{"cardformula v1.2.0 (dirty)", "commit: 0123456", "built:  2026-01-02T03:04:05Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.info.String()
			for _, want := range tt.contains {
				assert.Contains(t, s, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, s, unwanted)
			}
		})
	}
}

func TestInfo_Dirty(t *testing.T) {
	withVersion(t, "v1.0.0", "abc1234-dirty")
	assert.True(t, Info().Dirty)
}

func TestUserAgent(t *testing.T) {
	withVersion(t, "v1.0.0", unknownValue)
	assert.Equal(t, "cardformula/v1.0.0", UserAgent())
}

func TestIsRelease(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"dev", false},
		{"v1.0.0", true},
		{"v1.1.0-rc.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			withVersion(t, tt.version, unknownValue)
			assert.Equal(t, tt.want, IsRelease())
		})
	}
}
