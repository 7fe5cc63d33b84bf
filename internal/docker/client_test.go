package docker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
)

func TestAPIClientPingSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_ping" {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	t.Cleanup(server.Close)

	client, err := NewAPIClient(server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewAPIClient error: %v", err)
	}

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}

func TestAPIClientPingFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client, err := NewAPIClient(server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewAPIClient error: %v", err)
	}

	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error, got nil")
	}
}

type fakeEngine struct {
	inspect func(name string) (dockertypes.ContainerJSON, error)
}

func (f *fakeEngine) Ping(context.Context) (dockertypes.Ping, error) {
	return dockertypes.Ping{}, nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, name string) (dockertypes.ContainerJSON, error) {
	return f.inspect(name)
}

func (f *fakeEngine) Close() error {
	return nil
}

func containerWithState(state *dockertypes.ContainerState) dockertypes.ContainerJSON {
	return dockertypes.ContainerJSON{ContainerJSONBase: &dockertypes.ContainerJSONBase{State: state}}
}

func TestAPIClientContainerStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state *dockertypes.ContainerState
		want  string
	}{
		{
			name:  "health check reported",
			state: &dockertypes.ContainerState{Status: "running", Health: &dockertypes.Health{Status: "starting"}},
			want:  "starting",
		},
		{
			name:  "no health check",
			state: &dockertypes.ContainerState{Status: "running"},
			want:  "running",
		},
		{
			name:  "exited",
			state: &dockertypes.ContainerState{Status: "exited"},
			want:  "exited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &APIClient{
				api: &fakeEngine{inspect: func(string) (dockertypes.ContainerJSON, error) {
					return containerWithState(tt.state), nil
				}},
				timeout: time.Second,
			}

			got, err := client.ContainerStatus(context.Background(), "app-web-abc")
			if err != nil {
				t.Fatalf("ContainerStatus error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ContainerStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIClientContainerStatusErrors(t *testing.T) {
	t.Parallel()

	client := &APIClient{
		api: &fakeEngine{inspect: func(string) (dockertypes.ContainerJSON, error) {
			return dockertypes.ContainerJSON{}, errors.New("no such container")
		}},
		timeout: time.Second,
	}
	if _, err := client.ContainerStatus(context.Background(), "missing"); err == nil {
		t.Fatal("expected inspect error")
	}

	client.api = &fakeEngine{inspect: func(string) (dockertypes.ContainerJSON, error) {
		return dockertypes.ContainerJSON{}, nil
	}}
	if _, err := client.ContainerStatus(context.Background(), "stateless"); err == nil {
		t.Fatal("expected error for missing state")
	}
}
