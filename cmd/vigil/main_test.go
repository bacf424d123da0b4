package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
)

func TestRunDispatchesCommands(t *testing.T) {
	var out, errOut bytes.Buffer

	served := false
	orig := startServer
	startServer = func() { served = true }
	defer func() { startServer = orig }()

	require.Equal(t, 0, Run([]string{"vigil"}, &out, &errOut))
	assert.True(t, served, "bare invocation starts the server")

	served = false
	require.Equal(t, 0, Run([]string{"vigil", "serve"}, &out, &errOut))
	assert.True(t, served)

	served = false
	require.Equal(t, 0, Run([]string{"vigil", "--port=9999"}, &out, &errOut))
	assert.True(t, served, "flag-only invocation starts the server")

	out.Reset()
	require.Equal(t, 0, Run([]string{"vigil", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), version)

	out.Reset()
	require.Equal(t, 0, Run([]string{"vigil", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")

	require.Equal(t, 2, Run([]string{"vigil", "frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestAuditVerifyCmd(t *testing.T) {
	dir := t.TempDir()

	writer, err := audit.OpenWriter(dir, 0)
	require.NoError(t, err)
	log := audit.NewLog()
	log.AddHandler(func(e *audit.Entry) {
		require.NoError(t, writer.Append(e))
	})
	for i := 0; i < 5; i++ {
		_, err := log.Append(audit.ActionEventIngested, audit.SeverityInfo, "test", "event accepted", nil, "")
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	var out, errOut bytes.Buffer
	require.Equal(t, 0, runAuditVerifyCmd([]string{"--dir", dir}, &out, &errOut))
	assert.Contains(t, out.String(), "5 entries")

	out.Reset()
	require.Equal(t, 0, runAuditVerifyCmd([]string{"--dir", dir, "--json"}, &out, &errOut))
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, true, result["valid"])
	assert.EqualValues(t, 5, result["entries"])
}

func TestAuditVerifyCmdDetectsTampering(t *testing.T) {
	dir := t.TempDir()

	writer, err := audit.OpenWriter(dir, 0)
	require.NoError(t, err)
	log := audit.NewLog()
	log.AddHandler(func(e *audit.Entry) {
		require.NoError(t, writer.Append(e))
	})
	_, err = log.Append(audit.ActionConfigChanged, audit.SeverityInfo, "test", "threshold updated", nil, "")
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	segments, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(segments[0], data, 0o644))

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, runAuditVerifyCmd([]string{"--dir", dir}, &out, &errOut))
}
