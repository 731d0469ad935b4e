package headless

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONEnvelope(t *testing.T) {
	var out bytes.Buffer
	b := &Bridge{Stdout: &out, Format: "json"}

	b.write(Envelope{
		Status:     "success",
		Cloud:      "hetzner",
		Agent:      "claude",
		IPAddress:  "203.0.113.7",
		SSHUser:    "root",
		ServerID:   "12345",
		ServerName: "demo-1",
	})

	var env Envelope
	require.NoError(t, json.Unmarshal(out.Bytes(), &env))
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "hetzner", env.Cloud)
	assert.Equal(t, "demo-1", env.ServerName)
	// Error fields stay off the wire on success.
	assert.NotContains(t, out.String(), "error_code")
}

func TestWritePlainEnvelope(t *testing.T) {
	var out bytes.Buffer
	b := &Bridge{Stdout: &out, Format: "text"}

	b.write(Envelope{
		Status:       "error",
		Cloud:        "hetzner",
		Agent:        "claude",
		ErrorCode:    "MISSING_CREDENTIALS",
		ErrorMessage: "Missing required credentials: HCLOUD_TOKEN",
	})

	assert.Contains(t, out.String(), "status: error\n")
	assert.Contains(t, out.String(), "error_code: MISSING_CREDENTIALS\n")
	assert.NotContains(t, out.String(), "ip_address")
}

func TestErrorCodeMapping(t *testing.T) {
	b := &Bridge{}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"missing creds", errdefs.New(errdefs.KindAuth, "Missing required credentials: HCLOUD_TOKEN"), "MISSING_CREDENTIALS"},
		{"unknown agent", errdefs.New(errdefs.KindValidation, `unknown agent "qwertyui"`), "UNKNOWN_AGENT"},
		{"unknown cloud", errdefs.New(errdefs.KindValidation, `unknown cloud "nimbus"`), "UNKNOWN_CLOUD"},
		{"not implemented", errdefs.New(errdefs.KindValidation, "claude on nimbus is not implemented yet"), "NOT_IMPLEMENTED"},
		{"download", errdefs.New(errdefs.KindDownload, "manifest fetch: HTTP 500"), "DOWNLOAD_ERROR"},
		{"generic validation", errdefs.New(errdefs.KindValidation, "invalid instance name"), "VALIDATION_ERROR"},
		{"execution", errdefs.New(errdefs.KindExecution, "exit 1"), "EXECUTION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.errorCode(tt.err))
		})
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 3, errdefs.ExitCode(errdefs.KindValidation))
	assert.Equal(t, 3, errdefs.ExitCode(errdefs.KindAuth))
	assert.Equal(t, 2, errdefs.ExitCode(errdefs.KindDownload))
	assert.Equal(t, 1, errdefs.ExitCode(errdefs.KindExecution))
	assert.Equal(t, 130, errdefs.ExitCode(errdefs.KindInterrupted))
}
