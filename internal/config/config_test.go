package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.TCPPort != Default().TCPPort {
		t.Fatalf("expected default TCPPort, got %q", cfg.TCPPort)
	}
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yamlDoc := "tcpPort: \"9999\"\nclusterName: \"test-cluster\"\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCPPort != "9999" {
		t.Errorf("TCPPort = %q, want 9999", cfg.TCPPort)
	}
	if cfg.ClusterName != "test-cluster" {
		t.Errorf("ClusterName = %q, want test-cluster", cfg.ClusterName)
	}
	// Fields absent from the YAML document keep their Default() value.
	if cfg.MaxConnections != Default().MaxConnections {
		t.Errorf("MaxConnections = %d, want default %d", cfg.MaxConnections, Default().MaxConnections)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yml"); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}
