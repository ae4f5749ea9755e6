package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.NotEmpty(t, Revision)

	assert.Contains(t, Short(), Version)
	assert.Contains(t, Short(), Revision)

	detailed := Detailed()
	assert.Contains(t, detailed, Version)
	assert.Contains(t, detailed, "/")

	assert.True(t, strings.HasPrefix(UserAgent(), "lakelift/"+Version))
}

func TestApplyBuildInfo(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	tests := []struct {
		name         string
		version      string
		revision     string
		mainVersion  string
		settings     map[string]string
		wantVersion  string
		wantRevision string
		wantDate     string
	}{
		{
			name:        "dev build picks up vcs info",
			version:     devVersion,
			revision:    "HEAD",
			mainVersion: "v1.2.3",
			settings: map[string]string{
				"vcs.revision": "abcdef1234567890",
				"vcs.modified": "true",
				"vcs.time":     "2025-12-12T01:00:00Z",
			},
			wantVersion:  "1.2.3",
			wantRevision: "abcdef123456-dirty",
			wantDate:     "2025-12-12T01:00:00Z",
		},
		{
			name:         "ldflags win",
			version:      "2.0.0",
			revision:     "cafe",
			mainVersion:  "v1.2.3",
			settings:     map[string]string{"vcs.revision": "beef"},
			wantVersion:  "2.0.0",
			wantRevision: "cafe",
		},
		{
			name:         "devel module version ignored",
			version:      devVersion,
			revision:     "HEAD",
			mainVersion:  "(devel)",
			settings:     map[string]string{},
			wantVersion:  devVersion,
			wantRevision: "HEAD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version, Revision, BuildDate = tt.version, tt.revision, ""
			applyBuildInfo(tt.mainVersion, tt.settings)
			assert.Equal(t, tt.wantVersion, Version)
			assert.Equal(t, tt.wantRevision, Revision)
			assert.Equal(t, tt.wantDate, BuildDate)
		})
	}
}
