package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hearthflow/hearthflow/internal/config"
)

func TestRunVersionText(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "text"); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "hearthflow") {
		t.Errorf("version output missing program name: %q", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("version output missing go_version: %q", out)
	}
}

func TestRunVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "json"); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, buf.String())
	}
	for _, k := range []string{"version", "git_commit", "go_version"} {
		if info[k] == "" {
			t.Errorf("version JSON missing %q", k)
		}
	}
}

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic. Restores the original umask on cleanup.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The generated file must be valid YAML for our own Config type.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Listen.Port != 8093 {
		t.Errorf("generated config port = %d, want 8093", cfg.Listen.Port)
	}
	if len(cfg.HomeAssistant.Endpoints) != 1 {
		t.Errorf("generated config endpoints = %d, want 1", len(cfg.HomeAssistant.Endpoints))
	}

	// A second init must refuse to clobber the existing file.
	if err := runInit(&buf, dir); err == nil {
		t.Error("second runInit overwrote existing config")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), new(bytes.Buffer), new(bytes.Buffer), []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	err := run(context.Background(), new(bytes.Buffer), new(bytes.Buffer), []string{"-frob"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v, want unknown flag", err)
	}
}

func TestRunRejectsBadOutputFormat(t *testing.T) {
	err := run(context.Background(), new(bytes.Buffer), new(bytes.Buffer), []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Errorf("err = %v, want output format error", err)
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, new(bytes.Buffer), nil); err != nil {
		t.Fatalf("bare invocation failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Usage:") {
		t.Errorf("usage not printed: %q", buf.String())
	}
}
