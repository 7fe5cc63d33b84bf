package specifics

import (
	"errors"
	"reflect"
	"testing"
)

func testConfig() Config {
	return Config{
		PrimaryRole: "web",
		Roles: []Role{
			{Name: "web", Hosts: []string{"web-1", "web-2"}, Cord: true},
			{Name: "workers", Hosts: []string{"worker-1", "web-2"}},
		},
	}
}

func roleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return names
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		hostFilter  []string
		roleFilter  []string
		wantRoles   []string
		wantHosts   []string
		primaryHost string
		primaryRole string
	}{
		{
			name:        "no filters",
			wantRoles:   []string{"web", "workers"},
			wantHosts:   []string{"web-1", "web-2", "worker-1"},
			primaryHost: "web-1",
			primaryRole: "web",
		},
		{
			name:        "host filter on a workers host",
			hostFilter:  []string{"worker-1"},
			wantRoles:   []string{"workers"},
			wantHosts:   []string{"worker-1"},
			primaryHost: "worker-1",
			primaryRole: "workers",
		},
		{
			name:        "role filter",
			roleFilter:  []string{"workers"},
			wantRoles:   []string{"workers"},
			wantHosts:   []string{"worker-1", "web-2"},
			primaryHost: "worker-1",
			primaryRole: "workers",
		},
		{
			name:        "host filter picks primary host first",
			hostFilter:  []string{"web-2", "worker-1"},
			wantRoles:   []string{"web", "workers"},
			wantHosts:   []string{"web-2", "worker-1"},
			primaryHost: "web-2",
			primaryRole: "web",
		},
		{
			name:        "glob filter",
			hostFilter:  []string{"web-*"},
			wantRoles:   []string{"web", "workers"},
			wantHosts:   []string{"web-1", "web-2"},
			primaryHost: "web-1",
			primaryRole: "web",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(testConfig(), tt.hostFilter, tt.roleFilter)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if names := roleNames(got.Roles); !reflect.DeepEqual(names, tt.wantRoles) {
				t.Fatalf("roles = %v, want %v", names, tt.wantRoles)
			}
			if !reflect.DeepEqual(got.Hosts, tt.wantHosts) {
				t.Fatalf("hosts = %v, want %v", got.Hosts, tt.wantHosts)
			}
			if got.PrimaryHost != tt.primaryHost {
				t.Fatalf("primary host = %q, want %q", got.PrimaryHost, tt.primaryHost)
			}
			if got.PrimaryRole.Name != tt.primaryRole {
				t.Fatalf("primary role = %q, want %q", got.PrimaryRole.Name, tt.primaryRole)
			}
		})
	}
}

func TestResolvePrimaryRoleFirst(t *testing.T) {
	cfg := Config{
		PrimaryRole: "web",
		Roles: []Role{
			{Name: "jobs", Hosts: []string{"h1"}},
			{Name: "cron", Hosts: []string{"h2"}},
			{Name: "web", Hosts: []string{"h3", "h1"}},
		},
	}

	got, err := Resolve(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if names := roleNames(got.Roles); !reflect.DeepEqual(names, []string{"web", "jobs", "cron"}) {
		t.Fatalf("roles = %v", names)
	}
	if got.PrimaryHost != "h3" || got.PrimaryRole.Name != "web" {
		t.Fatalf("primary = %s/%s", got.PrimaryHost, got.PrimaryRole.Name)
	}
	if !reflect.DeepEqual(got.Hosts, []string{"h3", "h1", "h2"}) {
		t.Fatalf("hosts = %v", got.Hosts)
	}
}

func TestResolvePrimaryRoleConfiguredLast(t *testing.T) {
	cfg := Config{
		PrimaryRole: "web",
		Roles: []Role{
			{Name: "workers", Hosts: []string{"w1"}},
			{Name: "web", Hosts: []string{"h1"}},
		},
	}

	got, err := Resolve(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.PrimaryHost != "h1" {
		t.Fatalf("primary host = %q, want h1", got.PrimaryHost)
	}
	if got.PrimaryRole.Name != "web" {
		t.Fatalf("primary role = %q, want web", got.PrimaryRole.Name)
	}
	if names := roleNames(got.Roles); !reflect.DeepEqual(names, []string{"web", "workers"}) {
		t.Fatalf("roles = %v", names)
	}
	if !reflect.DeepEqual(got.Hosts, []string{"h1", "w1"}) {
		t.Fatalf("hosts = %v", got.Hosts)
	}
}

func TestResolveMovesPrimaryRoleAhead(t *testing.T) {
	cfg := Config{
		PrimaryRole: "web",
		Roles: []Role{
			{Name: "jobs", Hosts: []string{"h2"}},
			{Name: "web", Hosts: []string{"h1", "h2"}},
		},
	}

	got, err := Resolve(cfg, []string{"h2"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if names := roleNames(got.Roles); !reflect.DeepEqual(names, []string{"web", "jobs"}) {
		t.Fatalf("roles = %v", names)
	}
	if got.PrimaryHost != "h2" {
		t.Fatalf("primary host = %q", got.PrimaryHost)
	}
}

func TestResolveNoMatch(t *testing.T) {
	if _, err := Resolve(testConfig(), []string{"db-*"}, nil); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if _, err := Resolve(testConfig(), []string{"["}, nil); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func TestRolesOn(t *testing.T) {
	got, err := Resolve(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if names := roleNames(got.RolesOn("web-2")); !reflect.DeepEqual(names, []string{"web", "workers"}) {
		t.Fatalf("roles on web-2 = %v", names)
	}
	if _, ok := got.Role("db"); ok {
		t.Fatalf("expected no db role")
	}
}
