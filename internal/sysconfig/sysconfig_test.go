package sysconfig

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	if err != nil {
		t.Fatal("Setup failed writing", path, err)
	}

	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "resolv.conf", `
nameserver 127.0.0.1
nameserver ::1
search example.com Example.COM other.example.net
options ndots:2 timeout:3 attempts:4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal("Load failed unexpectedly", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatal("Expected two servers, not", len(cfg.Servers))
	}
	if cfg.Servers[0].Port() != 53 || cfg.Servers[1].Port() != 53 {
		t.Error("Default port 53 not applied", cfg.Servers)
	}
	if cfg.Servers[0].Addr().String() != "127.0.0.1" {
		t.Error("First server should be 127.0.0.1, not", cfg.Servers[0])
	}
	if !cfg.Servers[1].Addr().Is6() {
		t.Error("Second server should be the IPv6 loopback, not", cfg.Servers[1])
	}
	if len(cfg.Search) != 2 { // Case variants dedupe to one
		t.Error("Search domains should dedupe case-insensitively, got", cfg.Search)
	}
	if cfg.Ndots != 2 {
		t.Error("ndots should be 2, not", cfg.Ndots)
	}
	if cfg.Timeout != 3*time.Second {
		t.Error("timeout should be 3s, not", cfg.Timeout)
	}
	if cfg.Attempts != 4 {
		t.Error("attempts should be 4, not", cfg.Attempts)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "Empty") {
		t.Error("Empty path should fail with the empty-path error, not", err)
	}

	_, err = Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("Non-existent path should fail")
	}

	dir := t.TempDir()
	path := writeFile(t, dir, "resolv.conf", "search example.com\n")
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "nameservers") {
		t.Error("Config without nameservers should fail, not", err)
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "resolv.conf", "nameserver 127.0.0.1\n")

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, hclog.NewNullLogger(), func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatal("NewWatcher failed", err)
	}
	defer w.Close()

	writeFile(t, dir, "resolv.conf", "nameserver 192.0.2.1\nnameserver 192.0.2.2\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		cfg := got
		mu.Unlock()
		if cfg != nil {
			if len(cfg.Servers) != 2 {
				t.Error("Reloaded config should have two servers, not", len(cfg.Servers))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Watcher never delivered the re-written config")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
