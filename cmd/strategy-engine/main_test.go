package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNormalizeCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloc1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scores":{"politique":62,"total":"58"}}`), 0o644))

	out, err := run(t, "", "normalize", "--stage", "bloc1", path)
	require.NoError(t, err)

	var got struct {
		Canonical struct {
			Stage  string `json:"stage"`
			Fields map[string]struct {
				Number    *float64 `json:"number"`
				Defaulted bool     `json:"defaulted"`
			} `json:"fields"`
		} `json:"canonical"`
		Defaulted []struct {
			Field string `json:"field"`
		} `json:"defaulted"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "pestel", got.Canonical.Stage)
	require.NotNil(t, got.Canonical.Fields["political"].Number)
	assert.Equal(t, 62.0, *got.Canonical.Fields["political"].Number)
	assert.Equal(t, 58.0, *got.Canonical.Fields["overall"].Number)
	assert.True(t, got.Canonical.Fields["economic"].Defaulted)
	assert.NotEmpty(t, got.Defaulted)
}

func TestNormalizeCommandStdin(t *testing.T) {
	out, err := run(t, `{"score":72}`, "normalize", "--stage", "risques", "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"stage": "risk"`)
}

func TestNormalizeCommandErrors(t *testing.T) {
	_, err := run(t, "{}", "normalize", "--stage", "swot", "-")
	assert.ErrorContains(t, err, `unknown stage "swot"`)

	_, err = run(t, "[1", "normalize", "--stage", "pestel", "-")
	assert.Error(t, err)
}

func TestWatchRequiresOneSource(t *testing.T) {
	_, err := run(t, "", "watch")
	assert.ErrorContains(t, err, "exactly one of")

	_, err = run(t, "", "watch", "-q", "a.json", "-s", "s-1")
	assert.ErrorContains(t, err, "exactly one of")

	_, err = run(t, "", "watch", "-s", "s-1", "--format", "pdf")
	assert.ErrorContains(t, err, "unknown --format")
}
