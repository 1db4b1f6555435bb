package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emtee40/phoneJ2ME-cldc/codecache"
	"github.com/emtee40/phoneJ2ME-cldc/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestExecuteListWithoutCache(t *testing.T) {
	dir := writeConfig(t, "[cache]\ndisabled = true\n")
	err := execute(options{configDir: dir, list: true})
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("execute = %v", err)
	}
}

func TestExecuteReportsConfigErrors(t *testing.T) {
	dir := writeConfig(t, "[heap]\nbogus = 1\n")
	if err := execute(options{configDir: dir}); err == nil {
		t.Fatal("unknown config key accepted")
	}
}

func TestExecuteFillsAndReusesCache(t *testing.T) {
	dir := writeConfig(t, "")
	opts := options{configDir: dir, dump: true, runGC: true}
	if err := execute(opts); err != nil {
		t.Fatalf("first run: %v", err)
	}

	path := filepath.Join(dir, config.DefaultCachePath)
	store, err := codecache.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := store.List()
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("nothing was cached")
	}

	if err := execute(opts); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := execute(options{configDir: dir, list: true}); err != nil {
		t.Fatalf("list: %v", err)
	}
}
