// Package specifics narrows the configured roles and hosts to the ones an
// operator selected and orders them for rollout: the primary role first,
// hosts serving it before the rest, the primary host ahead of everything.
package specifics

import (
	"errors"
	"fmt"
	"path"
	"sort"
)

// Role is a configured role and the hosts it runs on.
type Role struct {
	Name   string
	Hosts  []string
	Cord   bool
	Assets bool
}

// Config is the role layout the resolver works from.
type Config struct {
	Roles       []Role
	PrimaryRole string
}

// Specifics is the selected and ordered rollout set.
type Specifics struct {
	Roles       []Role
	Hosts       []string
	PrimaryHost string
	PrimaryRole Role
}

// ErrNoMatch reports filters that select nothing.
var ErrNoMatch = errors.New("no hosts or roles match the filters")

// Resolve applies host and role filters to cfg. Filters accept path.Match
// globs; an empty filter selects everything.
func Resolve(cfg Config, hostFilter, roleFilter []string) (Specifics, error) {
	if err := validatePatterns(hostFilter); err != nil {
		return Specifics{}, err
	}
	if err := validatePatterns(roleFilter); err != nil {
		return Specifics{}, err
	}

	var roles []Role
	var hosts []string
	seen := make(map[string]struct{})
	for _, role := range cfg.Roles {
		if !matchAny(roleFilter, role.Name) {
			continue
		}
		selected := role
		selected.Hosts = nil
		for _, host := range role.Hosts {
			if !matchAny(hostFilter, host) {
				continue
			}
			selected.Hosts = append(selected.Hosts, host)
			if _, ok := seen[host]; !ok {
				seen[host] = struct{}{}
				hosts = append(hosts, host)
			}
		}
		if len(selected.Hosts) > 0 {
			roles = append(roles, selected)
		}
	}
	if len(roles) == 0 {
		return Specifics{}, fmt.Errorf("%w (hosts %v, roles %v)", ErrNoMatch, hostFilter, roleFilter)
	}

	primaryHost := primaryHost(roles, cfg.PrimaryRole, hosts)
	primaryRole := primaryOrFirst(rolesOn(roles, primaryHost), cfg.PrimaryRole)

	sort.SliceStable(roles, func(i, j int) bool {
		return roles[i].Name == primaryRole.Name && roles[j].Name != primaryRole.Name
	})
	rank := func(host string) int {
		switch {
		case host == primaryHost:
			return 0
		case contains(primaryRole.Hosts, host):
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		return rank(hosts[i]) < rank(hosts[j])
	})

	return Specifics{
		Roles:       roles,
		Hosts:       hosts,
		PrimaryHost: primaryHost,
		PrimaryRole: primaryRole,
	}, nil
}

// RolesOn returns the selected roles running on host, in rollout order.
func (s Specifics) RolesOn(host string) []Role {
	return rolesOn(s.Roles, host)
}

// Role returns the selected role called name.
func (s Specifics) Role(name string) (Role, bool) {
	for _, role := range s.Roles {
		if role.Name == name {
			return role, true
		}
	}
	return Role{}, false
}

// primaryHost is the first selected host of the configured primary role,
// else the first host of the first selected role.
func primaryHost(roles []Role, primaryRole string, hosts []string) string {
	if role := primaryOrFirst(roles, primaryRole); len(role.Hosts) > 0 {
		return role.Hosts[0]
	}
	if len(hosts) > 0 {
		return hosts[0]
	}
	return ""
}

func primaryOrFirst(roles []Role, primary string) Role {
	for _, role := range roles {
		if role.Name == primary {
			return role
		}
	}
	if len(roles) == 0 {
		return Role{}
	}
	return roles[0]
}

func rolesOn(roles []Role, host string) []Role {
	var out []Role
	for _, role := range roles {
		if contains(role.Hosts, host) {
			out = append(out, role)
		}
	}
	return out
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, value); ok {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid filter %q: %w", pattern, err)
		}
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
