// Package proxy moves traffic between container versions through a
// file-provider reverse proxy. Each published routing file carries a run id
// as a response header so a deploy can tell when the proxy has loaded it.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nholik/cordon/internal/remote"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RunIDHeader is the response header carrying the published run id.
const RunIDHeader = "X-Cordon-Run-Id"

// HostPlaceholder in Config.URL is replaced with the probed host.
const HostPlaceholder = "{host}"

// Config describes where the proxy reads routing files and how to reach it.
type Config struct {
	// Name identifies the router, middleware and service in the routing file.
	Name       string
	URL        string
	ConfigPath string
	AppPort    int
	Timeout    time.Duration
}

// Switch publishes routing for a role and observes what the proxy serves.
type Switch struct {
	logger zerolog.Logger
	exec   remote.Executor
	client *retryablehttp.Client
	cfg    Config
}

// New returns a Switch. Probes retry transport errors twice before failing.
func New(logger zerolog.Logger, exec remote.Executor, cfg Config) *Switch {
	if cfg.AppPort == 0 {
		cfg.AppPort = 80
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Switch{
		logger: logger.With().Str("proxy", cfg.Name).Logger(),
		exec:   exec,
		client: client,
		cfg:    cfg,
	}
}

// Publish routes the proxy on host to container and tags responses with runID.
// The file is written next to its destination and moved into place so the
// proxy never reads a partial file.
func (s *Switch) Publish(ctx context.Context, host, container, runID string) error {
	rendered, err := Render(s.cfg.Name, container, s.cfg.AppPort, runID)
	if err != nil {
		return err
	}

	tmp := s.cfg.ConfigPath + ".tmp"
	cmd := remote.Combine(
		remote.Cmd("mkdir", "-p", path.Dir(s.cfg.ConfigPath)),
		remote.Cmd("printf", "%s", string(rendered)).WriteTo(tmp),
		remote.Cmd("mv", tmp, s.cfg.ConfigPath),
	)
	if err := s.exec.Execute(ctx, host, cmd); err != nil {
		return fmt.Errorf("publish proxy routing on %s: %w", host, err)
	}

	s.logger.Info().Str("host", host).Str("container", container).Str("run_id", runID).Msg("published proxy routing")
	return nil
}

// Observe returns the run id the proxy on host currently serves.
func (s *Switch) Observe(ctx context.Context, host string) (string, error) {
	url := strings.ReplaceAll(s.cfg.URL, HostPlaceholder, host)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("build proxy probe: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe proxy on %s: %w", host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.Header.Get(RunIDHeader), nil
}

type routingFile struct {
	HTTP httpSection `yaml:"http"`
}

type httpSection struct {
	Routers     map[string]router     `yaml:"routers"`
	Middlewares map[string]middleware `yaml:"middlewares"`
	Services    map[string]service    `yaml:"services"`
}

type router struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	Middlewares []string `yaml:"middlewares"`
}

type middleware struct {
	Headers headers `yaml:"headers"`
}

type headers struct {
	CustomResponseHeaders map[string]string `yaml:"customResponseHeaders"`
}

type service struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []server `yaml:"servers"`
}

type server struct {
	URL string `yaml:"url"`
}

// Render builds the routing file sending every request for name to
// container on port.
func Render(name, container string, port int, runID string) ([]byte, error) {
	headerMiddleware := name + "-run-id"
	file := routingFile{HTTP: httpSection{
		Routers: map[string]router{
			name: {Rule: "PathPrefix(`/`)", Service: name, Middlewares: []string{headerMiddleware}},
		},
		Middlewares: map[string]middleware{
			headerMiddleware: {Headers: headers{CustomResponseHeaders: map[string]string{RunIDHeader: runID}}},
		},
		Services: map[string]service{
			name: {LoadBalancer: loadBalancer{Servers: []server{{URL: fmt.Sprintf("http://%s:%d", container, port)}}}},
		},
	}}

	out, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("render proxy routing: %w", err)
	}
	return out, nil
}
