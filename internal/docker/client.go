package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/client"
)

const defaultAPITimeout = 5 * time.Second

// APIClient reads container state through the Docker Engine API.
type APIClient struct {
	api     engineAPI
	timeout time.Duration
}

// NewAPIClient initializes a client for the given Engine API host,
// e.g. tcp://10.0.0.1:2375.
func NewAPIClient(host string, timeout time.Duration) (*APIClient, error) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &APIClient{api: api, timeout: timeout}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *APIClient) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.api.Ping(ctx)
	return err
}

// ContainerStatus reports the container's health status when it has a
// health check, otherwise its state ("running", "exited", ...).
func (c *APIClient) ContainerStatus(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", fmt.Errorf("inspect %s: no state reported", name)
	}
	if info.State.Health != nil {
		return info.State.Health.Status, nil
	}
	return info.State.Status, nil
}

// Close releases the underlying client.
func (c *APIClient) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}
