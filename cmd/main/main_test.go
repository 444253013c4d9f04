package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CTAG07/wordbeam/pkg/markov"
)

// writeTestConfig writes a config file pointing the database into a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	config := DefaultConfig()
	config.Server.LogLevel = "error"
	config.Server.DataDir = dir
	config.Server.DatabasePath = filepath.Join(dir, "wordbeam.db")

	data, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err = os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestRunCommandStdin(t *testing.T) {
	var out bytes.Buffer
	if err := runCommand(nil, "", strings.NewReader(scenarioModel), &out); err != nil {
		t.Fatalf("runCommand(run) error = %v", err)
	}
	if out.String() != scenarioStages {
		t.Errorf("run output =\n%s\nwant\n%s", out.String(), scenarioStages)
	}
}

func TestRunCommandMalformed(t *testing.T) {
	var out bytes.Buffer
	err := runCommand([]string{"run"}, "", strings.NewReader("2 <end> 0.5"), &out)
	if !errors.Is(err, markov.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for malformed input, got %q", out.String())
	}
}

func TestRunCommandStoredModel(t *testing.T) {
	configPath := writeTestConfig(t)

	var out bytes.Buffer
	if err := runCommand([]string{"import", "scenario"}, configPath, strings.NewReader(scenarioModel), &out); err != nil {
		t.Fatalf("import error = %v", err)
	}
	if !strings.Contains(out.String(), `imported model "scenario"`) {
		t.Errorf("unexpected import output %q", out.String())
	}

	out.Reset()
	if err := runCommand([]string{"generate", "scenario"}, configPath, nil, &out); err != nil {
		t.Fatalf("generate error = %v", err)
	}
	if out.String() != scenarioStages {
		t.Errorf("generate output =\n%s\nwant\n%s", out.String(), scenarioStages)
	}

	exportPath := filepath.Join(t.TempDir(), "scenario.json")
	if err := runCommand([]string{"export", "scenario", exportPath}, configPath, nil, &out); err != nil {
		t.Fatalf("export error = %v", err)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("failed to read export: %v", err)
	}
	var exported markov.ExportedModel
	if err = json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if exported.Name != "scenario" || len(exported.Vocabulary) != 4 {
		t.Errorf("unexpected export %+v", exported)
	}

	if err = runCommand([]string{"generate", "missing"}, configPath, nil, &out); !errors.Is(err, markov.ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestRunCommandUsage(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{name: "Unknown command", args: []string{"train"}},
		{name: "Run with arguments", args: []string{"run", "extra"}},
		{name: "Import without name", args: []string{"import"}},
		{name: "Export with too many arguments", args: []string{"export", "a", "b", "c"}},
		{name: "Generate without name", args: []string{"generate"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runCommand(tc.args, "", strings.NewReader(""), &out); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}
