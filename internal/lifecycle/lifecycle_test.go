package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nholik/cordon/internal/docker"
	"github.com/nholik/cordon/internal/healthcheck"
	"github.com/nholik/cordon/internal/remote"
	"github.com/nholik/cordon/internal/remote/remotetest"
	"github.com/rs/zerolog"
)

const testHost = "10.0.0.1"

type fakeContainer struct {
	name     string
	running  bool
	cordDir  string
	statuses []string
}

// fakeDocker simulates the containers and files of a single host.
type fakeDocker struct {
	mu           sync.Mutex
	containers   []*fakeContainer
	files        map[string]bool
	assetDirs    []string
	removed      []string
	bootStatuses []string
	neverHealthy bool
	failStops    bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{files: map[string]bool{}}
}

func (f *fakeDocker) addRunning(name, cordDir string) {
	f.containers = append(f.containers, &fakeContainer{name: name, running: true, cordDir: cordDir})
	if cordDir != "" {
		f.files[docker.CordFile(cordDir)] = true
	}
}

func (f *fakeDocker) handle(host string, cmd remote.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	segment := remote.Command{}
	for _, arg := range append(append(remote.Command{}, cmd...), "&&") {
		if arg != "&&" {
			segment = append(segment, arg)
			continue
		}
		result, err := f.run(host, segment)
		if err != nil {
			return "", err
		}
		if result != "" {
			out = append(out, result)
		}
		segment = remote.Command{}
	}
	return strings.Join(out, "\n"), nil
}

func (f *fakeDocker) run(host string, args remote.Command) (string, error) {
	switch args[0] {
	case "mkdir", "cp":
		return "", nil
	case "touch":
		f.files[args[1]] = true
		return "", nil
	case "rm":
		target := args[len(args)-1]
		f.removed = append(f.removed, target)
		for file := range f.files {
			if file == target || strings.HasPrefix(file, target+"/") {
				delete(f.files, file)
			}
		}
		return "", nil
	case "ls":
		return strings.Join(f.assetDirs, "\n"), nil
	case "docker":
		return f.docker(host, args)
	}
	return "", remotetest.Exit(host, args, 127)
}

func (f *fakeDocker) docker(host string, cmd remote.Command) (string, error) {
	args := cmd[1:]
	switch args[0] {
	case "container":
		if args[1] != "ls" {
			return "", nil
		}
		var ids []string
		for i, arg := range args {
			if arg == "--filter" && strings.HasPrefix(args[i+1], "name=") {
				name := strings.TrimSuffix(strings.TrimPrefix(args[i+1], "name=^"), "$")
				if c := f.find(name); c != nil {
					ids = append(ids, "id-"+c.name)
				}
			}
		}
		return strings.Join(ids, "\n"), nil
	case "cp":
		return "", nil
	case "rename":
		c := f.find(args[1])
		if c == nil {
			return "", remotetest.Exit(host, cmd, 1)
		}
		c.name = args[2]
		return "", nil
	case "ps":
		for i := len(f.containers) - 1; i >= 0; i-- {
			if f.containers[i].running {
				return f.containers[i].name, nil
			}
		}
		return "", nil
	case "run":
		c := &fakeContainer{running: true, statuses: append([]string(nil), f.bootStatuses...)}
		for i, arg := range args {
			switch arg {
			case "--name":
				c.name = args[i+1]
			case "--volume":
				if dir, ok := strings.CutSuffix(args[i+1], ":"+docker.CordContainerDir); ok {
					c.cordDir = dir
				}
			}
		}
		f.containers = append(f.containers, c)
		return "", nil
	case "inspect":
		c := f.find(args[3])
		if c == nil {
			return "", remotetest.Exit(host, cmd, 1)
		}
		if strings.Contains(args[2], ".Mounts") {
			if c.cordDir == "" {
				return "", nil
			}
			return c.cordDir + " " + docker.CordContainerDir, nil
		}
		return f.status(c), nil
	case "stop":
		if f.failStops {
			return "", remotetest.Exit(host, cmd, 1)
		}
		for _, name := range args[1:] {
			if c := f.find(name); c != nil {
				c.running = false
			}
		}
		return "", nil
	}
	return "", remotetest.Exit(host, cmd, 127)
}

func (f *fakeDocker) status(c *fakeContainer) string {
	switch {
	case !c.running:
		return "exited"
	case c.cordDir != "" && !f.files[docker.CordFile(c.cordDir)]:
		return "unhealthy"
	case f.neverHealthy:
		return "starting"
	case len(c.statuses) > 0:
		next := c.statuses[0]
		c.statuses = c.statuses[1:]
		return next
	default:
		return "healthy"
	}
}

func (f *fakeDocker) find(name string) *fakeContainer {
	for _, c := range f.containers {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (f *fakeDocker) running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.containers {
		if c.running {
			names = append(names, c.name)
		}
	}
	return names
}

type recordingAuditor struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAuditor) Record(_ context.Context, _ string, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type fixture struct {
	docker  *fakeDocker
	exec    *remotetest.Fake
	auditor *recordingAuditor
	clock   *fakeClock
}

func newFixture() *fixture {
	d := newFakeDocker()
	return &fixture{
		docker:  d,
		exec:    remotetest.New(d.handle),
		auditor: &recordingAuditor{},
		clock:   &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) deployer(app docker.App, cfg Config, opts ...Option) *Deployer {
	if cfg.Role == "" {
		cfg.Role = app.Role
	}
	if cfg.DeployTimeout == 0 {
		cfg.DeployTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.ReadinessDelay == 0 {
		cfg.ReadinessDelay = 7 * time.Second
	}
	opts = append([]Option{
		WithSleep(f.clock.Sleep),
		WithClock(f.clock.Now),
		WithSuffix(func() string { return "0123456789abcdef" }),
	}, opts...)
	return New(zerolog.Nop(), f.exec, docker.NewAppCommands(app), f.auditor, cfg, opts...)
}

func webApp() docker.App {
	return docker.App{Service: "app", Role: "web", Image: "registry.local/app", RunDirectory: ".cordon"}
}

func TestDeployReplacesRunningVersion(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-A", ".cordon/cords/app-web/A-old")
	f.docker.bootStatuses = []string{"starting", "healthy"}

	d := f.deployer(webApp(), Config{Cord: true})
	if err := d.Deploy(context.Background(), testHost, "B"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	want := []string{
		"Booted app version B on " + testHost,
		"App version B is healthy on " + testHost,
		"Stopped app version A on " + testHost,
	}
	if !reflect.DeepEqual(f.auditor.messages, want) {
		t.Fatalf("audit = %q, want %q", f.auditor.messages, want)
	}
	if running := f.docker.running(); !reflect.DeepEqual(running, []string{"app-web-B"}) {
		t.Fatalf("running containers = %v", running)
	}
	if !reflect.DeepEqual(f.clock.sleeps, []time.Duration{time.Second}) {
		t.Fatalf("expected one 1s backoff, got %v", f.clock.sleeps)
	}

	newCord := docker.CordFile(".cordon/cords/app-web/B-0123456789abcdef")
	if !f.docker.files[newCord] {
		t.Fatalf("expected new cord %s to be tied", newCord)
	}
	if f.docker.files[docker.CordFile(".cordon/cords/app-web/A-old")] {
		t.Fatalf("expected old cord to be cut")
	}
	if len(f.exec.Matching("rm -rf .cordon/cords/app-web/A-old")) != 1 {
		t.Fatalf("expected old cord directory to be removed")
	}
	if runs := f.exec.Matching("docker run"); len(runs) != 1 || !strings.Contains(runs[0], "--hostname "+testHost+"-0123456789ab") {
		t.Fatalf("expected hostname with suffix, got %v", runs)
	}
}

func TestDeployRenamesClashingContainer(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-B", "")

	d := f.deployer(webApp(), Config{})
	if err := d.Deploy(context.Background(), testHost, "B"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	renamed := "B_replaced_0123456789abcdef"
	want := []string{
		fmt.Sprintf("Renaming container B to %s as already deployed on %s", renamed, testHost),
		"Booted app version B on " + testHost,
		"App version B is healthy on " + testHost,
		fmt.Sprintf("Stopped app version %s on %s", renamed, testHost),
	}
	if !reflect.DeepEqual(f.auditor.messages, want) {
		t.Fatalf("audit = %q, want %q", f.auditor.messages, want)
	}
	if running := f.docker.running(); !reflect.DeepEqual(running, []string{"app-web-B"}) {
		t.Fatalf("running containers = %v", running)
	}
	if f.docker.find("app-web-"+renamed) == nil {
		t.Fatalf("expected renamed container to exist")
	}
}

func TestDeployFirstVersion(t *testing.T) {
	f := newFixture()

	d := f.deployer(webApp(), Config{})
	if err := d.Deploy(context.Background(), testHost, "A"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(f.exec.Matching("docker stop")) != 0 {
		t.Fatalf("nothing to stop on a first deploy")
	}
	if running := f.docker.running(); !reflect.DeepEqual(running, []string{"app-web-A"}) {
		t.Fatalf("running containers = %v", running)
	}
}

func TestDeployFailsWhenNewVersionNeverHealthy(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-A", "")
	f.docker.neverHealthy = true

	d := f.deployer(webApp(), Config{DeployTimeout: 3 * time.Second})
	err := d.Deploy(context.Background(), testHost, "B")

	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("expected *HostError, got %v", err)
	}
	if hostErr.Host != testHost || hostErr.Role != "web" {
		t.Fatalf("unexpected host error %+v", hostErr)
	}
	var timeout *healthcheck.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected healthcheck timeout, got %v", err)
	}
	if running := f.docker.running(); !reflect.DeepEqual(running, []string{"app-web-A"}) {
		t.Fatalf("old version must keep serving, running = %v", running)
	}
	for _, message := range f.auditor.messages {
		if strings.HasPrefix(message, "Stopped") {
			t.Fatalf("old version must not be stopped: %q", f.auditor.messages)
		}
	}
}

func TestDeploySwallowsStopFailures(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-A", "")
	f.docker.failStops = true

	d := f.deployer(webApp(), Config{})
	if err := d.Deploy(context.Background(), testHost, "B"); err != nil {
		t.Fatalf("stop failures must not fail the deploy: %v", err)
	}
	if len(f.exec.Matching("docker stop app-web-A")) != 1 {
		t.Fatalf("expected a stop attempt for the old version")
	}
}

type fakeSwitcher struct {
	published []string
	runID     string
	observed  int
	lagging   int
}

func (s *fakeSwitcher) Publish(_ context.Context, host, container, runID string) error {
	s.published = append(s.published, host+" "+container)
	s.runID = runID
	return nil
}

func (s *fakeSwitcher) Observe(context.Context, string) (string, error) {
	s.observed++
	if s.observed <= s.lagging {
		return "previous", nil
	}
	return s.runID, nil
}

func TestDeployWaitsForProxySwitch(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-A", "")
	switcher := &fakeSwitcher{lagging: 2}

	d := f.deployer(webApp(), Config{ProxyAttempts: 5}, WithProxy(switcher), WithRunID(func() string { return "run-1" }))
	if err := d.Deploy(context.Background(), testHost, "B"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if !reflect.DeepEqual(switcher.published, []string{testHost + " app-web-B"}) {
		t.Fatalf("published = %v", switcher.published)
	}
	if switcher.observed != 3 {
		t.Fatalf("expected 3 observations, got %d", switcher.observed)
	}
	if !reflect.DeepEqual(f.clock.sleeps, []time.Duration{time.Second, 2 * time.Second}) {
		t.Fatalf("unexpected sleeps %v", f.clock.sleeps)
	}
}

func TestDeployFailsWhenProxyNeverSwitches(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-A", "")
	switcher := &fakeSwitcher{lagging: 100}

	d := f.deployer(webApp(), Config{ProxyAttempts: 3}, WithProxy(switcher))
	err := d.Deploy(context.Background(), testHost, "B")
	if err == nil {
		t.Fatalf("expected proxy switch failure")
	}
	if f.docker.find("app-web-A") == nil || !f.docker.find("app-web-A").running {
		t.Fatalf("old version must keep running when the proxy did not switch")
	}
}

func TestDeployCleansUpAssets(t *testing.T) {
	f := newFixture()
	f.docker.addRunning("app-web-A", "")
	f.docker.assetDirs = []string{"app-web-A", "app-web-B", "app-worker-A"}
	app := webApp()
	app.AssetsPath = "/app/public"

	d := f.deployer(app, Config{})
	if err := d.Deploy(context.Background(), testHost, "B"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if len(f.exec.Matching("docker cp")) != 1 {
		t.Fatalf("expected assets to be extracted")
	}
	want := []string{".cordon/assets/extracted/app-web-A"}
	if !reflect.DeepEqual(f.docker.removed, want) {
		t.Fatalf("removed = %v, want %v", f.docker.removed, want)
	}
}

func TestDeployUsesStatusFunc(t *testing.T) {
	f := newFixture()
	var asked []string
	status := func(_ context.Context, host, container string) (string, error) {
		asked = append(asked, host+"/"+container)
		return healthcheck.StatusHealthy, nil
	}

	d := f.deployer(webApp(), Config{}, WithStatusFunc(status))
	if err := d.Deploy(context.Background(), testHost, "B"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(asked) != 1 || asked[0] != testHost+"/app-web-B" {
		t.Fatalf("unexpected status calls %v", asked)
	}
	if len(f.exec.Matching("docker inspect")) != 0 {
		t.Fatalf("expected no CLI status checks")
	}
}

func TestHostname(t *testing.T) {
	long := strings.Repeat("a", 50) + ".example.com"
	got := hostname(long, "0123456789abcdef")
	if got != strings.Repeat("a", 50)+"-0123456789ab" {
		t.Fatalf("hostname = %q", got)
	}
}
