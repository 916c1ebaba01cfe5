package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		expectError bool
	}{
		{name: "bare host", input: "pages.example.com", expected: "https://pages.example.com"},
		{name: "host with port", input: "localhost:8080", expected: "https://localhost:8080"},
		{name: "http kept", input: "http://localhost:8080/", expected: "http://localhost:8080"},
		{name: "path kept", input: "https://example.com/drop/", expected: "https://example.com/drop"},
		{name: "empty", input: "  ", expectError: true},
		{name: "bad scheme", input: "ftp://example.com", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeServerURL(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDefaultSiteName(t *testing.T) {
	assert.Equal(t, "dist", defaultSiteName("./dist/"))
	assert.Equal(t, "resume", defaultSiteName("docs/resume.html"))
	assert.Equal(t, "site", defaultSiteName("site.zip"))
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	serverURL, username, password = "localhost:8080", "", ""
	_, err := newClient(true)
	require.Error(t, err)

	c, err := newClient(false)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestHumanizeBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanizeBytes(512))
	assert.Equal(t, "1.5 KB", humanizeBytes(1536))
	assert.Equal(t, "2.0 MB", humanizeBytes(2<<20))
}
