package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work", LocalAddress: "me.onion", RetryInterval: "10s"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("LoadOrDefault() = %+v, want zero config", cfg)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrDefault(path); err == nil {
		t.Error("LoadOrDefault() expected error for malformed file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestEnvOverlay(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := EnvLocalAddress + "=fromfile.onion\n" + EnvRetryInterval + "=5s\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	// Registered with t.Setenv so they are restored after the test; an
	// already-set variable must win over the file.
	t.Setenv(EnvLocalAddress, "")
	os.Unsetenv(EnvLocalAddress)
	t.Setenv(EnvRetryInterval, "1m")
	t.Setenv(EnvProfile, "")
	t.Setenv(EnvLogLevel, "")

	if err := LoadEnvFile(envFile); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{DefaultProfile: "main", LocalAddress: "config.onion"}
	cfg.ApplyEnv()

	if cfg.LocalAddress != "fromfile.onion" {
		t.Errorf("LocalAddress = %q, want fromfile.onion", cfg.LocalAddress)
	}
	if cfg.RetryInterval != "1m" {
		t.Errorf("RetryInterval = %q, want 1m (process env wins)", cfg.RetryInterval)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, empty env must not override", cfg.DefaultProfile)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("LoadEnvFile() error = %v, want nil for missing file", err)
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", DefaultRetryInterval, false},
		{"5s", 5 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"0s", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := (&Config{RetryInterval: tt.in}).Interval()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Interval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Interval() = %s, want %s", got, tt.want)
			}
		})
	}
}
