package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

const (
	defaultRunDirectory   = ".cordon"
	defaultStopWaitTime   = 30 * time.Second
	defaultReadinessDelay = 7 * time.Second
	defaultDeployTimeout  = 30 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	defaultRunIDAttempts  = 10
	defaultSSHPort        = 22
	defaultTunnelTimeout  = 30 * time.Second
)

// Deploy is the parsed deploy file of one service.
type Deploy struct {
	Service        string        `yaml:"service"`
	Image          string        `yaml:"image"`
	Destination    string        `yaml:"destination,omitempty"`
	PrimaryRole    string        `yaml:"primary_role,omitempty"`
	RunDirectory   string        `yaml:"run_directory,omitempty"`
	Network        string        `yaml:"network,omitempty"`
	StopWaitTime   time.Duration `yaml:"stop_wait_time,omitempty"`
	ReadinessDelay time.Duration `yaml:"readiness_delay,omitempty"`
	DeployTimeout  time.Duration `yaml:"deploy_timeout,omitempty"`
	DrainTimeout   time.Duration `yaml:"drain_timeout,omitempty"`
	Boot           Boot          `yaml:"boot,omitempty"`
	SSH            SSH           `yaml:"ssh,omitempty"`
	Proxy          Proxy         `yaml:"proxy,omitempty"`
	Registry       Registry      `yaml:"registry,omitempty"`
	DockerAPI      DockerAPI     `yaml:"docker_api,omitempty"`
	Roles          []Role        `yaml:"roles"`
}

// Boot limits how many hosts of a role boot at once after the primary.
// Limit is a host count ("2") or a share of the role's hosts ("25%").
type Boot struct {
	Limit string `yaml:"limit,omitempty"`
}

// SSH holds connection settings shared by every host.
type SSH struct {
	User string `yaml:"user,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Proxy enables the run id switch. URL may contain {host}.
type Proxy struct {
	URL           string `yaml:"url,omitempty"`
	ConfigPath    string `yaml:"config_path,omitempty"`
	RunIDAttempts int    `yaml:"run_id_attempts,omitempty"`
	AppPort       int    `yaml:"app_port,omitempty"`
}

// Enabled reports whether a proxy is configured.
func (p Proxy) Enabled() bool {
	return p.URL != "" && p.ConfigPath != ""
}

// Registry forwards a local registry port to every host during deploys.
type Registry struct {
	LocalPort     int           `yaml:"local_port,omitempty"`
	TunnelTimeout time.Duration `yaml:"tunnel_timeout,omitempty"`
}

// DockerAPI reads container status from the Engine API on each host
// instead of the docker CLI.
type DockerAPI struct {
	Port    int           `yaml:"port,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Role is one role of the service.
type Role struct {
	Name       string            `yaml:"name"`
	Hosts      []string          `yaml:"hosts"`
	Cord       bool              `yaml:"cord,omitempty"`
	AssetsPath string            `yaml:"assets_path,omitempty"`
	HealthCmd  string            `yaml:"health_cmd,omitempty"`
	Cmd        []string          `yaml:"cmd,omitempty"`
	Publish    []string          `yaml:"publish,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// LoadDeployFile parses, defaults and validates the deploy file at path.
func LoadDeployFile(path string) (Deploy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Deploy{}, fmt.Errorf("read deploy file: %w", err)
	}
	return ParseDeploy(data)
}

// ParseDeploy parses, defaults and validates a deploy file. Unknown keys
// are rejected.
func ParseDeploy(data []byte) (Deploy, error) {
	var d Deploy
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&d); err != nil {
		return Deploy{}, fmt.Errorf("parse deploy file: %w", err)
	}

	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return Deploy{}, err
	}
	return d, nil
}

func (d *Deploy) applyDefaults() {
	if d.RunDirectory == "" {
		d.RunDirectory = defaultRunDirectory
	}
	if d.StopWaitTime == 0 {
		d.StopWaitTime = defaultStopWaitTime
	}
	if d.ReadinessDelay == 0 {
		d.ReadinessDelay = defaultReadinessDelay
	}
	if d.DeployTimeout == 0 {
		d.DeployTimeout = defaultDeployTimeout
	}
	if d.DrainTimeout == 0 {
		d.DrainTimeout = defaultDrainTimeout
	}
	if d.SSH.Port == 0 {
		d.SSH.Port = defaultSSHPort
	}
	if d.Proxy.RunIDAttempts == 0 {
		d.Proxy.RunIDAttempts = defaultRunIDAttempts
	}
	if d.Registry.TunnelTimeout == 0 {
		d.Registry.TunnelTimeout = defaultTunnelTimeout
	}
	if d.PrimaryRole == "" && len(d.Roles) > 0 {
		d.PrimaryRole = d.Roles[0].Name
	}
}

// Validate checks the deploy file for structural errors.
func (d Deploy) Validate() error {
	if d.Service == "" {
		return errors.New("service is required")
	}
	if d.Image == "" {
		return errors.New("image is required")
	}
	if len(d.Roles) == 0 {
		return errors.New("at least one role is required")
	}

	durations := map[string]time.Duration{
		"stop_wait_time":          d.StopWaitTime,
		"readiness_delay":         d.ReadinessDelay,
		"deploy_timeout":          d.DeployTimeout,
		"drain_timeout":           d.DrainTimeout,
		"registry.tunnel_timeout": d.Registry.TunnelTimeout,
		"docker_api.timeout":      d.DockerAPI.Timeout,
	}
	for name, value := range durations {
		if value < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	seen := make(map[string]bool, len(d.Roles))
	for i, role := range d.Roles {
		if role.Name == "" {
			return fmt.Errorf("role %d: name is required", i)
		}
		if seen[role.Name] {
			return fmt.Errorf("role %q: duplicate name", role.Name)
		}
		seen[role.Name] = true

		if len(role.Hosts) == 0 {
			return fmt.Errorf("role %q: at least one host is required", role.Name)
		}
		for _, publish := range role.Publish {
			if _, err := nat.ParsePortSpec(publish); err != nil {
				return fmt.Errorf("role %q: invalid publish %q: %w", role.Name, publish, err)
			}
		}
	}

	if !seen[d.PrimaryRole] {
		return fmt.Errorf("primary_role %q is not a configured role", d.PrimaryRole)
	}
	if (d.Proxy.URL == "") != (d.Proxy.ConfigPath == "") {
		return errors.New("proxy.url and proxy.config_path must be set together")
	}
	if d.Proxy.RunIDAttempts < 0 {
		return errors.New("proxy.run_id_attempts cannot be negative")
	}
	if _, err := d.BootLimit(1); err != nil {
		return err
	}
	return nil
}

// BootLimit is how many of hosts may boot concurrently; 0 means all.
func (d Deploy) BootLimit(hosts int) (int, error) {
	limit := strings.TrimSpace(d.Boot.Limit)
	if limit == "" {
		return 0, nil
	}

	if pct, ok := strings.CutSuffix(limit, "%"); ok {
		value, err := strconv.Atoi(pct)
		if err != nil || value <= 0 || value > 100 {
			return 0, fmt.Errorf("invalid boot.limit %q", d.Boot.Limit)
		}
		return max(1, hosts*value/100), nil
	}

	value, err := strconv.Atoi(limit)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid boot.limit %q", d.Boot.Limit)
	}
	return value, nil
}

// Hosts lists every configured host once, in role order.
func (d Deploy) Hosts() []string {
	var hosts []string
	seen := make(map[string]struct{})
	for _, role := range d.Roles {
		for _, host := range role.Hosts {
			if _, ok := seen[host]; ok {
				continue
			}
			seen[host] = struct{}{}
			hosts = append(hosts, host)
		}
	}
	return hosts
}
