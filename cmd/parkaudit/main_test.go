package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkaudit/parkaudit/internal/store"
)

// buildBinary compiles the command into a temp dir.
func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "parkaudit")
	build := exec.Command("go", "build", "-o", binPath, ".")
	out, err := build.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(out))
	return binPath
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)
	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "tamper-evident")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)
	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestBinaryTamperExitCode(t *testing.T) {
	bin := buildBinary(t)
	dataDir := filepath.Join(t.TempDir(), "data")
	run := func(args ...string) (string, error) {
		cmd := exec.Command(bin, append([]string{"--no-color", "--data-dir", dataDir}, args...)...)
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	out, err := run("init")
	require.NoError(t, err, out)
	out, err = run("record", "entry", "--lot", "LOT001", "--capacity", "5", "--by", "contractor@city.gov")
	require.NoError(t, err, out)
	out, err = run("verify")
	require.NoError(t, err, out)

	lotFile := filepath.Join(dataDir, "ledger", "lots", store.LotFileName("LOT001"))
	data, err := os.ReadFile(lotFile)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"occupancyAfter":1`, `"occupancyAfter":2`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(lotFile, []byte(tampered), 0644))

	out, err = run("verify")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, out, "TAMPERED")
}
