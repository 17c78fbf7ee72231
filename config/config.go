// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the proxy settings, read from an optional YAML file and
// overridden by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fdpi-proxy/fdpi/disorder"
	"github.com/fdpi-proxy/fdpi/dns"
	"github.com/goccy/go-yaml"
)

const (
	defaultDoHServer  = "https://cloudflare-dns.com/dns-query"
	defaultDoHAddress = "1.1.1.1:443"
	defaultDoTServer  = "cloudflare-dns.com"
	defaultDoTAddress = "1.1.1.1:853"
)

// Split lengths must fit in a single hello read.
const maxSplitLength = 127

// DNS selects the encrypted resolver.
type DNS struct {
	Transport      string `yaml:"transport"`
	Server         string `yaml:"server"`
	Address        string `yaml:"address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Config is the full proxy configuration.
type Config struct {
	Addr        string `yaml:"addr"`
	Port        int    `yaml:"port"`
	NoLog       bool   `yaml:"nolog"`
	Verbose     bool   `yaml:"verbose"`
	Body        []int  `yaml:"body"`
	SNI         []int  `yaml:"sni"`
	TTL         int    `yaml:"ttl"`
	ESNI        bool   `yaml:"esni"`
	FakeFirst   bool   `yaml:"fake_first"`
	DNS         DNS    `yaml:"dns"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:      "127.0.0.1",
		Port:      8080,
		TTL:       2,
		FakeFirst: true,
		DNS: DNS{
			Transport:      dns.TransportHTTPS,
			Server:         defaultDoHServer,
			Address:        defaultDoHAddress,
			TimeoutSeconds: int(dns.DefaultTimeout / time.Second),
		},
	}
}

// Load reads a YAML file on top of [Default].
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %v: %w", path, err)
	}
	return cfg, nil
}

// intListFlagValue collects every occurrence of a repeated integer flag.
type intListFlagValue []int

func (v *intListFlagValue) String() string {
	return fmt.Sprint(*v)
}

func (v *intListFlagValue) Set(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*v = append(*v, n)
	return nil
}

// FromArgs parses the command line. Flags that are set override the file given
// with -config, which overrides [Default].
func FromArgs(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFlag := fs.String("config", "", "YAML configuration file")

	def := Default()
	flags := def
	var body, sni intListFlagValue
	fs.StringVar(&flags.Addr, "addr", def.Addr, "Address to listen on")
	fs.IntVar(&flags.Port, "port", def.Port, "Port to listen on")
	fs.BoolVar(&flags.NoLog, "nolog", def.NoLog, "Disable logging")
	fs.BoolVar(&flags.Verbose, "v", def.Verbose, "Enable debug output")
	fs.Var(&body, "b", "Length of a fragment carved from the hello. Repeat for more fragments")
	fs.Var(&sni, "s", "Length of a fragment carved from the server name. Repeat for more fragments")
	fs.IntVar(&flags.TTL, "ttl", def.TTL, "Hop limit of the fake fragments")
	fs.BoolVar(&flags.ESNI, "esni", def.ESNI, "Change the case of the server name")
	fs.BoolVar(&flags.FakeFirst, "fake-first", def.FakeFirst, "Send the first fragment with the fake hop limit")
	fs.StringVar(&flags.DNS.Transport, "dns-transport", def.DNS.Transport, "Encrypted DNS transport: https or tls")
	fs.StringVar(&flags.DNS.Server, "dns-server", "", "DoH URL or DoT server name")
	fs.StringVar(&flags.DNS.Address, "dns-addr", "", "Address of the DNS server, as host:port")
	fs.IntVar(&flags.DNS.TimeoutSeconds, "dns-timeout", def.DNS.TimeoutSeconds, "DNS lookup timeout in seconds")
	fs.StringVar(&flags.MetricsAddr, "metrics", "", "Address to serve Prometheus metrics on. Disabled if empty")
	if err := fs.Parse(args); err != nil {
		return def, err
	}
	if fs.NArg() > 0 {
		return def, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := def
	if *configFlag != "" {
		var err error
		if cfg, err = Load(*configFlag); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = flags.Addr
		case "port":
			cfg.Port = flags.Port
		case "nolog":
			cfg.NoLog = flags.NoLog
		case "v":
			cfg.Verbose = flags.Verbose
		case "b":
			cfg.Body = body
		case "s":
			cfg.SNI = sni
		case "ttl":
			cfg.TTL = flags.TTL
		case "esni":
			cfg.ESNI = flags.ESNI
		case "fake-first":
			cfg.FakeFirst = flags.FakeFirst
		case "dns-transport":
			cfg.DNS.Transport = flags.DNS.Transport
		case "dns-server":
			cfg.DNS.Server = flags.DNS.Server
		case "dns-addr":
			cfg.DNS.Address = flags.DNS.Address
		case "dns-timeout":
			cfg.DNS.TimeoutSeconds = flags.DNS.TimeoutSeconds
		case "metrics":
			cfg.MetricsAddr = flags.MetricsAddr
		}
	})
	cfg.applyTransportDefaults()
	return cfg, cfg.Validate()
}

// applyTransportDefaults points DoT at the default DoT server when only the transport was changed.
func (c *Config) applyTransportDefaults() {
	if c.DNS.Transport != dns.TransportTLS {
		return
	}
	if c.DNS.Server == "" || c.DNS.Server == defaultDoHServer {
		c.DNS.Server = defaultDoTServer
	}
	if c.DNS.Address == "" || c.DNS.Address == defaultDoHAddress {
		c.DNS.Address = defaultDoTAddress
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if c.TTL < 1 || c.TTL > 255 {
		errs = append(errs, fmt.Errorf("ttl %d must be between 1 and 255", c.TTL))
	}
	for _, lengths := range []struct {
		name   string
		values []int
	}{{"body", c.Body}, {"sni", c.SNI}} {
		for _, n := range lengths.values {
			if n < 1 || n > maxSplitLength {
				errs = append(errs, fmt.Errorf("%v split length %d must be between 1 and %d", lengths.name, n, maxSplitLength))
			}
		}
	}
	switch c.DNS.Transport {
	case dns.TransportHTTPS:
		if !strings.HasPrefix(c.DNS.Server, "https://") {
			errs = append(errs, fmt.Errorf("DoH server %q must be an https URL", c.DNS.Server))
		}
	case dns.TransportTLS:
		if c.DNS.Server == "" {
			errs = append(errs, errors.New("DoT server name is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DNS transport %q", c.DNS.Transport))
	}
	if _, _, err := net.SplitHostPort(c.DNS.Address); err != nil {
		errs = append(errs, fmt.Errorf("invalid DNS address %q: %w", c.DNS.Address, err))
	}
	if c.DNS.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("DNS timeout %ds must be positive", c.DNS.TimeoutSeconds))
	}
	return errors.Join(errs...)
}

// ListenAddress returns the host:port to listen on.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}

// Plan returns the fragmentation plan.
func (c *Config) Plan() (*disorder.Plan, error) {
	return disorder.NewPlan(c.Body, c.SNI, c.TTL, c.ESNI, c.FakeFirst)
}

// Resolver returns the settings of the encrypted resolver.
func (c *Config) Resolver() dns.ServerConfig {
	return dns.ServerConfig{Transport: c.DNS.Transport, Server: c.DNS.Server, Address: c.DNS.Address}
}

// DNSTimeout returns the per-lookup timeout.
func (c *Config) DNSTimeout() time.Duration {
	return time.Duration(c.DNS.TimeoutSeconds) * time.Second
}
