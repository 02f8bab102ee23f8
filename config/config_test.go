// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, envMap(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "cricketscorer.yaml", `
addr: ":9000"
data_dir: /var/lib/cricket
log_level: warn
cors_origins: [https://a.example, https://b.example]
ball_rate: 2.5
`)
	env := envMap(map[string]string{
		"CS_DATA_DIR":   "/srv/cricket",
		"LOG_LEVEL":     "debug",
		"CS_BALL_BURST": "4",
		"CS_MASTER_KEY": "hunter2",
	})
	cfg, err := Load([]string{"--config", path, "--addr", ":7000"}, env)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	want.Addr = ":7000"
	want.DataDir = "/srv/cricket"
	want.LogLevel = "debug"
	want.CORSOrigins = []string{"https://a.example", "https://b.example"}
	want.BallRate = 2.5
	want.BallBurst = 4
	want.MasterKey = "hunter2"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := writeFile(t, "c.yaml", "nats_url: nats://localhost:4222\n")
	cfg, err := Load(nil, envMap(map[string]string{"CS_CONFIG": path}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
}

func TestLoadListFlag(t *testing.T) {
	cfg, err := Load([]string{"--cors-origins", " https://x.example , ,https://y.example"}, envMap(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff([]string{"https://x.example", "https://y.example"}, cfg.CORSOrigins); diff != "" {
		t.Errorf("CORSOrigins mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"raft without advertise", []string{"--raft", "--raft-secret", "s"}, nil, "--raft-advertise"},
		{"raft without secret", []string{"--raft", "--raft-advertise", "127.0.0.1:8081"}, nil, "--raft-secret"},
		{"tls cert only", []string{"--tls-cert", "cert.pem"}, nil, "--tls-key"},
		{"bad env bool", nil, map[string]string{"CS_DEBUG": "maybe"}, "CS_DEBUG"},
		{"bad env int", nil, map[string]string{"CS_BALL_BURST": "lots"}, "CS_BALL_BURST"},
		{"missing file", []string{"--config", "/nonexistent/config.yaml"}, nil, "read config file"},
		{"unknown flag", []string{"--bogus"}, nil, "bogus"},
		{"negative rate", []string{"--ball-rate", "-1"}, nil, "--ball-rate"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.args, envMap(tc.env))
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("LoadDotEnv(missing) = %v", err)
	}

	const key = "CS_TEST_DOTENV_VALUE"
	t.Setenv(key, "")
	os.Unsetenv(key)
	path := writeFile(t, ".env", key+"=from-file\n")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q, want from-file", key, got)
	}
}
