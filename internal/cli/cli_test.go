package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellpilot/internal/config"
)

func TestParse_PositionalNotebooksWithDefaults(t *testing.T) {
	// --- Arrange ---
	out := &bytes.Buffer{}

	// --- Act ---
	cfg, shouldExit, err := Parse([]string{"a.ipynb", "b.ipynb", "a.ipynb"}, out)

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, shouldExit)
	assert.Equal(t, []config.Notebook{{Path: "a.ipynb"}, {Path: "b.ipynb"}}, cfg.Notebooks)
	assert.Equal(t, config.Default().ListenAddr, cfg.ListenAddr)
	assert.Empty(t, out.String())
}

func TestParse_FlagsOverrideConfigFile(t *testing.T) {
	// --- Arrange ---
	path := filepath.Join(t.TempDir(), "cellpilot.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":7000"
log_level   = "warn"
log_format  = "json"

notebook "from-file.ipynb" {}
`), 0o600))

	// --- Act ---
	cfg, shouldExit, err := Parse([]string{
		"-config", path,
		"-log-level", "DEBUG",
		"-jupyter-url", "https://hub.example:8443",
		"-healthcheck-port", "8081",
		"extra.ipynb",
	}, &bytes.Buffer{})

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, shouldExit)
	assert.Equal(t, ":7000", cfg.ListenAddr, "unset flags keep the file value")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://hub.example:8443", cfg.Jupyter.URL)
	assert.Equal(t, 8081, cfg.HealthcheckPort)
	assert.Equal(t, []config.Notebook{{Path: "from-file.ipynb"}, {Path: "extra.ipynb"}}, cfg.Notebooks)
}

func TestParse_ShouldExit(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{name: "help", args: []string{"-h"}},
		{name: "no notebooks", args: []string{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}

			cfg, shouldExit, err := Parse(tc.args, out)

			require.NoError(t, err)
			assert.True(t, shouldExit)
			assert.Nil(t, cfg)
			assert.Contains(t, out.String(), "Usage:")
		})
	}
}

func TestParse_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{name: "unknown flag", args: []string{"-workers", "3"}, wantMsg: "flag provided but not defined"},
		{name: "bad log format", args: []string{"-log-format", "xml", "a.ipynb"}, wantMsg: "log_format"},
		{name: "bad jupyter url", args: []string{"-jupyter-url", "nope", "a.ipynb"}, wantMsg: "jupyter.url"},
		{name: "missing config file", args: []string{"-config", "/does/not/exist.hcl", "a.ipynb"}, wantMsg: "exist.hcl"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.args, &bytes.Buffer{})

			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.wantMsg)
		})
	}
}

func TestParse_DirectoryArgumentExpands(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.ipynb", "a.ipynb"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}

	cfg, _, err := Parse([]string{dir}, &bytes.Buffer{})

	require.NoError(t, err)
	assert.Equal(t, []config.Notebook{
		{Path: filepath.Join(dir, "a.ipynb")},
		{Path: filepath.Join(dir, "b.ipynb")},
	}, cfg.Notebooks)
}
