package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nholik/cordon/internal/remote/remotetest"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func TestRenderRoutesToContainer(t *testing.T) {
	out, err := Render("app-web", "app-web-abc123", 3000, "run-1")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	var file routingFile
	if err := yaml.Unmarshal(out, &file); err != nil {
		t.Fatalf("rendered routing is not YAML: %v", err)
	}
	servers := file.HTTP.Services["app-web"].LoadBalancer.Servers
	if len(servers) != 1 || servers[0].URL != "http://app-web-abc123:3000" {
		t.Fatalf("unexpected servers %+v", servers)
	}
	headers := file.HTTP.Middlewares["app-web-run-id"].Headers.CustomResponseHeaders
	if headers[RunIDHeader] != "run-1" {
		t.Fatalf("expected run id header, got %v", headers)
	}
	if mws := file.HTTP.Routers["app-web"].Middlewares; len(mws) != 1 || mws[0] != "app-web-run-id" {
		t.Fatalf("router does not use run id middleware: %v", mws)
	}
}

func TestPublishWritesAtomically(t *testing.T) {
	exec := remotetest.New(nil)
	s := New(zerolog.Nop(), exec, Config{Name: "app-web", ConfigPath: "/etc/traefik/dynamic/app-web.yml"})

	if err := s.Publish(context.Background(), "10.0.0.1", "app-web-abc123", "run-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	calls := exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one command, got %v", calls)
	}
	cmd := calls[0].Command
	if !strings.Contains(cmd, "> /etc/traefik/dynamic/app-web.yml.tmp") {
		t.Fatalf("expected write to temporary file, got %q", cmd)
	}
	if !strings.HasSuffix(cmd, "mv /etc/traefik/dynamic/app-web.yml.tmp /etc/traefik/dynamic/app-web.yml") {
		t.Fatalf("expected move into place, got %q", cmd)
	}
}

func TestObserveReadsRunIDHeader(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Header().Set(RunIDHeader, "run-2")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := New(zerolog.Nop(), remotetest.New(nil), Config{Name: "app-web", URL: server.URL + "/up"})

	got, err := s.Observe(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if got != "run-2" {
		t.Fatalf("expected run-2, got %q", got)
	}
	if method != http.MethodHead {
		t.Fatalf("expected HEAD probe, got %s", method)
	}
}

func TestObserveSubstitutesHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RunIDHeader, "run-3")
	}))
	defer server.Close()

	addr := strings.TrimPrefix(server.URL, "http://")
	s := New(zerolog.Nop(), remotetest.New(nil), Config{Name: "app-web", URL: "http://" + HostPlaceholder + "/up"})

	got, err := s.Observe(context.Background(), addr)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if got != "run-3" {
		t.Fatalf("expected run-3, got %q", got)
	}
}
