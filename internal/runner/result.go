package runner

import (
	"fmt"
	"sort"
	"strings"
)

// Result summarizes a reconciliation pass over several hosts.
type Result struct {
	Reconciled int
	Failed     map[string]error
}

// Err returns a *PassError naming the failed hosts, or nil when every host
// passed.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PassError{Failed: r.Failed}
}

// PassError reports the hosts a pass could not reconcile. The loop logs it
// and waits for the next tick.
type PassError struct {
	Failed map[string]error
}

// Hosts lists the failed hosts in order.
func (e *PassError) Hosts() []string {
	hosts := make([]string, 0, len(e.Failed))
	for host := range e.Failed {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (e *PassError) Error() string {
	hosts := e.Hosts()
	parts := make([]string, 0, len(hosts))
	for _, host := range hosts {
		parts = append(parts, fmt.Sprintf("%s: %v", host, e.Failed[host]))
	}
	return fmt.Sprintf("reconcile failed on %d host(s): %s", len(hosts), strings.Join(parts, "; "))
}

func (e *PassError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, host := range e.Hosts() {
		errs = append(errs, e.Failed[host])
	}
	return errs
}
