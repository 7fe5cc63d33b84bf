package docker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

// HostClients keeps one Engine API client per host, each reached on the
// same TCP port.
type HostClients struct {
	port    int
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*APIClient
}

// NewHostClients returns clients that connect to tcp://<host>:port lazily.
func NewHostClients(port int, timeout time.Duration) *HostClients {
	return &HostClients{
		port:    port,
		timeout: timeout,
		clients: make(map[string]*APIClient),
	}
}

// Address is the Engine API endpoint of host.
func (h *HostClients) Address(host string) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(h.port))
}

// ContainerStatus reports the status of the named container on host.
func (h *HostClients) ContainerStatus(ctx context.Context, host, name string) (string, error) {
	client, err := h.client(host)
	if err != nil {
		return "", err
	}
	return client.ContainerStatus(ctx, name)
}

func (h *HostClients) client(host string) (*APIClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[host]; ok {
		return client, nil
	}
	client, err := NewAPIClient(h.Address(host), h.timeout)
	if err != nil {
		return nil, err
	}
	h.clients[host] = client
	return client, nil
}

// Close releases every client.
func (h *HostClients) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for host, client := range h.clients {
		errs = append(errs, client.Close())
		delete(h.clients, host)
	}
	return errors.Join(errs...)
}
