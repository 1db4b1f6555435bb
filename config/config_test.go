package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[heap]
size = 1048576
compiler-area = 65536

[compiler]
initial-capacity = 256
max-code-size = 4096
pad-on-exhaustion = true

[gc]
interval = "250ms"

[cache]
path = "cache/code.db"

[log]
verbosity = 2
`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	opts := c.Options()
	if opts.HeapSize != 1<<20 || opts.CompilerAreaSize != 64<<10 {
		t.Errorf("heap = %d/%d", opts.HeapSize, opts.CompilerAreaSize)
	}
	if opts.InitialCapacity != 256 || opts.MaxCodeSize != 4096 || !opts.PadOnExhaustion {
		t.Errorf("compiler = %+v", c.Compiler)
	}
	if opts.CodeExpansionDelta != vm.DefaultCodeExpansionDelta || opts.QueueSize != vm.DefaultQueueSize {
		t.Errorf("defaults not applied: %+v", opts)
	}
	if c.GC.Interval != 250*time.Millisecond {
		t.Errorf("gc interval = %s, want 250ms", c.GC.Interval)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", c.Log.Verbosity)
	}
	abs, _ := filepath.Abs(dir)
	if c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
	if got := c.CachePath(); got != filepath.Join(abs, "cache", "code.db") {
		t.Errorf("CachePath = %q", got)
	}
}

func TestLoadEmptyConfigUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Options() != vm.DefaultOptions() {
		t.Errorf("Options = %+v, want defaults", c.Options())
	}
	if c.Cache.Path != DefaultCachePath || c.GC.Interval != vm.DefaultCollectInterval {
		t.Errorf("cache=%q gc=%s", c.Cache.Path, c.GC.Interval)
	}
	if Default().Options() != vm.DefaultOptions() {
		t.Error("Default does not match the built-in tuning")
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[heap\nsize = 1", "parse error"},
		{"unknown key", "[heap]\nsise = 1", "unknown key"},
		{"invalid tuning", "[heap]\nsize = 4096\ncompiler-area = 8192", "compiler area"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want %q", err, tt.want)
			}
		})
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load without a file succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[compiler]\nqueue-size = 7\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil || c.Compiler.QueueSize != 7 {
		t.Fatalf("FindAndLoad = %+v", c)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
}

func TestCachePathAbsolute(t *testing.T) {
	c := Default()
	c.Dir = "/project"
	c.Cache.Path = "/var/cache/cldc.db"
	if c.CachePath() != "/var/cache/cldc.db" {
		t.Errorf("CachePath = %q", c.CachePath())
	}
	c.Dir = ""
	c.Cache.Path = DefaultCachePath
	if c.CachePath() != DefaultCachePath {
		t.Errorf("CachePath without Dir = %q", c.CachePath())
	}
}
