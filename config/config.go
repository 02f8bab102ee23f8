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

// Package config loads the server configuration. Values are layered:
// command line flags override CS_* environment variables, which override the
// YAML file named by --config, which overrides the defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the upper-cased flag name to form the
// environment variable of an option.
const EnvPrefix = "CS_"

// MasterKeyEnv holds the passphrase of the storage master key. It is only
// read from the environment.
const MasterKeyEnv = "CS_MASTER_KEY"

// Config holds the server configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	UseMockAuth    bool   `yaml:"use_mock_auth"`
	AuthCookieName string `yaml:"auth_cookie_name"`
	AuthJWKSURL    string `yaml:"auth_jwks_url"`
	BootstrapAdmin string `yaml:"admin"`

	Raft          bool   `yaml:"raft"`
	RaftBind      string `yaml:"raft_bind"`
	RaftAdvertise string `yaml:"raft_advertise"`
	RaftSecret    string `yaml:"raft_secret"`
	RaftJoin      string `yaml:"raft_join"`
	RaftBootstrap bool   `yaml:"raft_bootstrap"`
	HTTPAdvertise string `yaml:"http_advertise"`

	CORSOrigins []string `yaml:"cors_origins"`
	BallRate    float64  `yaml:"ball_rate"`
	BallBurst   int      `yaml:"ball_burst"`
	NATSURL     string   `yaml:"nats_url"`

	MasterKey string `yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		DataDir:   "data",
		LogLevel:  "info",
		RaftBind:  ":8081",
		BallBurst: 10,
	}
}

type option struct {
	name  string
	env   string
	usage string
	field func(c *Config) any
}

var options = []option{
	{"addr", "", "The TCP address to listen to", func(c *Config) any { return &c.Addr }},
	{"data-dir", "", "Directory for match and team data", func(c *Config) any { return &c.DataDir }},
	{"log-level", "LOG_LEVEL", "Log level: debug, info, warn or error", func(c *Config) any { return &c.LogLevel }},
	{"debug", "", "Enable debug mode", func(c *Config) any { return &c.Debug }},
	{"tls-cert", "", "Path to the HTTP TLS certificate", func(c *Config) any { return &c.TLSCert }},
	{"tls-key", "", "Path to the HTTP TLS key", func(c *Config) any { return &c.TLSKey }},
	{"use-mock-auth", "", "Use Mock Authentication. For testing purposes only.", func(c *Config) any { return &c.UseMockAuth }},
	{"auth-cookie-name", "", "Name of the cookie containing the JWT", func(c *Config) any { return &c.AuthCookieName }},
	{"auth-jwks-url", "", "URL of the JWKS endpoint", func(c *Config) any { return &c.AuthJWKSURL }},
	{"admin", "", "Email of temporary admin user for bootstrapping access policy", func(c *Config) any { return &c.BootstrapAdmin }},
	{"raft", "", "Enable Raft consensus", func(c *Config) any { return &c.Raft }},
	{"raft-bind", "", "Address for Raft TCP transport", func(c *Config) any { return &c.RaftBind }},
	{"raft-advertise", "", "Public address for Raft traffic", func(c *Config) any { return &c.RaftAdvertise }},
	{"raft-secret", "", "Shared secret for cluster authentication", func(c *Config) any { return &c.RaftSecret }},
	{"raft-join", "", "HTTP address of a cluster member to join", func(c *Config) any { return &c.RaftJoin }},
	{"raft-bootstrap", "", "Bootstrap the Raft cluster (only for first node)", func(c *Config) any { return &c.RaftBootstrap }},
	{"http-advertise", "", "Base URL other cluster nodes use to reach this one", func(c *Config) any { return &c.HTTPAdvertise }},
	{"cors-origins", "", "Comma-separated origins allowed to call the API", func(c *Config) any { return &c.CORSOrigins }},
	{"ball-rate", "", "Ball submissions per second per user (0 disables)", func(c *Config) any { return &c.BallRate }},
	{"ball-burst", "", "Burst size of the ball submission limit", func(c *Config) any { return &c.BallBurst }},
	{"nats-url", "", "NATS server for the match event feed", func(c *Config) any { return &c.NATSURL }},
}

func (o option) envName() string {
	if o.env != "" {
		return o.env
	}
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(o.name, "-", "_"))
}

// LoadDotEnv loads variables from path into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load parses args and builds the configuration. getenv is usually
// os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fromFlags := Default()
	var configPath string
	fs := flag.NewFlagSet("cricketscorer", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to a YAML config file")
	for _, o := range options {
		switch p := o.field(fromFlags).(type) {
		case *string:
			fs.StringVar(p, o.name, *p, o.usage)
		case *bool:
			fs.BoolVar(p, o.name, *p, o.usage)
		case *int:
			fs.IntVar(p, o.name, *p, o.usage)
		case *float64:
			fs.Float64Var(p, o.name, *p, o.usage)
		case *[]string:
			fs.Func(o.name, o.usage, func(s string) error {
				*p = splitList(s)
				return nil
			})
		}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if configPath == "" {
		configPath = getenv(EnvPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, err
		}
	}
	for _, o := range options {
		v := getenv(o.envName())
		if v == "" {
			continue
		}
		if err := setFromString(o.field(cfg), v); err != nil {
			return nil, fmt.Errorf("%s: %w", o.envName(), err)
		}
	}
	byName := make(map[string]option, len(options))
	for _, o := range options {
		byName[o.name] = o
	}
	fs.Visit(func(f *flag.Flag) {
		o, ok := byName[f.Name]
		if !ok {
			return
		}
		reflect.ValueOf(o.field(cfg)).Elem().Set(reflect.ValueOf(o.field(fromFlags)).Elem())
	})
	cfg.MasterKey = getenv(MasterKeyEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks option combinations.
func (c *Config) Validate() error {
	if c.Raft {
		if c.RaftAdvertise == "" {
			return errors.New("--raft-advertise is required when Raft is enabled")
		}
		if c.RaftSecret == "" {
			return errors.New("--raft-secret is required when Raft is enabled")
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("--tls-cert and --tls-key must be set together")
	}
	if c.BallRate < 0 {
		return fmt.Errorf("--ball-rate must not be negative: %v", c.BallRate)
	}
	return nil
}

func setFromString(p any, s string) error {
	switch p := p.(type) {
	case *string:
		*p = s
	case *bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*p = v
	case *int:
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*p = v
	case *[]string:
		*p = splitList(s)
	default:
		return fmt.Errorf("unsupported option type %T", p)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
