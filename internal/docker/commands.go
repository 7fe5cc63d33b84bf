// Package docker builds the docker command lines cordon runs on hosts and
// talks to the Docker Engine API where a host exposes it.
package docker

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/nholik/cordon/internal/remote"
)

const (
	// CordContainerDir is where the cord directory is mounted in app containers.
	CordContainerDir = "/tmp/cordon-cord"
	cordFile         = "cord"

	statusFormat = `{{if .State.Health}}{{.State.Health.Status}}{{else}}{{.State.Status}}{{end}}`
	mountsFormat = `{{range .Mounts}}{{printf "%s %s\n" .Source .Destination}}{{end}}`
)

// App describes one role of a service as it runs on a host.
type App struct {
	Service      string
	Destination  string
	Role         string
	Image        string
	Cmd          []string
	Env          map[string]string
	Publish      []string
	Network      string
	HealthCmd    string
	AssetsPath   string
	RunDirectory string
	StopTimeout  time.Duration
}

// AppCommands builds commands for a single role.
type AppCommands struct {
	app App
}

// NewAppCommands returns command builders for app.
func NewAppCommands(app App) *AppCommands {
	if app.RunDirectory == "" {
		app.RunDirectory = ".cordon"
	}
	return &AppCommands{app: app}
}

// UsesAssets reports whether the role serves extracted assets.
func (c *AppCommands) UsesAssets() bool {
	return c.app.AssetsPath != ""
}

// ContainerPrefix is the container name without the version.
func (c *AppCommands) ContainerPrefix() string {
	parts := []string{c.app.Service, c.app.Role}
	if c.app.Destination != "" {
		parts = append(parts, c.app.Destination)
	}
	return strings.Join(parts, "-")
}

// ContainerName is the container name for version.
func (c *AppCommands) ContainerName(version string) string {
	return c.ContainerPrefix() + "-" + version
}

// VersionFromName strips the container prefix from a container name.
func (c *AppCommands) VersionFromName(name string) (string, bool) {
	prefix := c.ContainerPrefix() + "-"
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

// Run starts version detached. cordDir is mounted for draining when set.
func (c *AppCommands) Run(version, hostname, cordDir string) remote.Command {
	cmd := remote.Cmd("docker", "run",
		"--detach",
		"--restart", "unless-stopped",
		"--name", c.ContainerName(version),
		"--hostname", hostname,
	)
	if c.app.Network != "" {
		cmd = append(cmd, "--network", c.app.Network)
	}

	keys := make([]string, 0, len(c.app.Env))
	for key := range c.app.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd = append(cmd, "--env", key+"="+c.app.Env[key])
	}

	for _, label := range c.labels(version) {
		cmd = append(cmd, "--label", label)
	}
	for _, publish := range c.app.Publish {
		cmd = append(cmd, "--publish", publish)
	}
	if c.app.StopTimeout > 0 {
		cmd = append(cmd, "--stop-timeout", strconv.Itoa(int(c.app.StopTimeout.Seconds())))
	}

	if health := c.healthCmd(cordDir != ""); health != "" {
		cmd = append(cmd, "--health-cmd", health, "--health-interval", "1s")
	}
	if cordDir != "" {
		cmd = append(cmd, "--volume", cordDir+":"+CordContainerDir)
	}
	if c.UsesAssets() {
		cmd = append(cmd, "--volume", c.AssetsDir(version)+":"+c.app.AssetsPath)
	}

	cmd = append(cmd, c.Image(version))
	return append(cmd, c.app.Cmd...)
}

// Image is the image reference for version.
func (c *AppCommands) Image(version string) string {
	return c.app.Image + ":" + version
}

func (c *AppCommands) healthCmd(withCord bool) string {
	cordCheck := fmt.Sprintf("stat %s > /dev/null", path.Join(CordContainerDir, cordFile))
	switch {
	case c.app.HealthCmd != "" && withCord:
		return fmt.Sprintf("(%s) && (%s)", c.app.HealthCmd, cordCheck)
	case c.app.HealthCmd != "":
		return c.app.HealthCmd
	case withCord:
		return cordCheck
	default:
		return ""
	}
}

func (c *AppCommands) labels(version string) []string {
	labels := []string{
		"service=" + c.app.Service,
		"role=" + c.app.Role,
		"version=" + version,
	}
	if c.app.Destination != "" {
		labels = append(labels, "destination="+c.app.Destination)
	}
	return labels
}

// Rename renames the container for version to the container for newVersion.
func (c *AppCommands) Rename(version, newVersion string) remote.Command {
	return remote.Cmd("docker", "rename", c.ContainerName(version), c.ContainerName(newVersion))
}

// ContainerIDs lists the IDs of containers named for version, running or not.
func (c *AppCommands) ContainerIDs(version string) remote.Command {
	args := filters.NewArgs(filters.Arg("name", "^"+c.ContainerName(version)+"$"))
	return append(remote.Cmd("docker", "container", "ls", "--all", "--quiet"), filterFlags(args)...)
}

// CurrentRunningContainer prints the name of the newest running container of the role.
func (c *AppCommands) CurrentRunningContainer() remote.Command {
	args := c.roleFilters()
	args.Add("status", "running")
	cmd := remote.Cmd("docker", "ps", "--latest", "--format", "{{.Names}}")
	return append(cmd, filterFlags(args)...)
}

// Status prints the health status, or the state when no health check is configured.
func (c *AppCommands) Status(version string) remote.Command {
	return remote.Cmd("docker", "inspect", "--format", statusFormat, c.ContainerName(version))
}

// Stop stops the given containers, waiting for them to exit.
func (c *AppCommands) Stop(ids ...string) remote.Command {
	cmd := remote.Cmd("docker", "stop")
	if c.app.StopTimeout > 0 {
		cmd = append(cmd, "--time", strconv.Itoa(int(c.app.StopTimeout.Seconds())))
	}
	return append(cmd, ids...)
}

// StopAsync signals the given containers to stop without waiting for them.
func (c *AppCommands) StopAsync(ids ...string) remote.Command {
	return append(remote.Cmd("docker", "kill", "--signal", "SIGTERM"), ids...)
}

// ActiveContainerIDs lists running containers of the service in this destination.
func (c *AppCommands) ActiveContainerIDs() remote.Command {
	args := filters.NewArgs(filters.Arg("label", "service="+c.app.Service))
	if c.app.Destination != "" {
		args.Add("label", "destination="+c.app.Destination)
	}
	return append(remote.Cmd("docker", "ps", "--quiet"), filterFlags(args)...)
}

// Mounts prints "source destination" for every mount of version's container.
func (c *AppCommands) Mounts(version string) remote.Command {
	return remote.Cmd("docker", "inspect", "--format", mountsFormat, c.ContainerName(version))
}

// CordDirFromMounts finds the host cord directory in Mounts output.
func CordDirFromMounts(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == CordContainerDir {
			return fields[0], true
		}
	}
	return "", false
}

// CordsDir is the host directory holding this role's cords.
func (c *AppCommands) CordsDir() string {
	return path.Join(c.app.RunDirectory, "cords", c.ContainerPrefix())
}

// CordFile is the cord sentinel inside cordDir.
func CordFile(cordDir string) string {
	return path.Join(cordDir, cordFile)
}

// TieCord creates the cord sentinel.
func (c *AppCommands) TieCord(cordDir string) remote.Command {
	return remote.Combine(
		remote.Cmd("mkdir", "-p", cordDir),
		remote.Cmd("touch", CordFile(cordDir)),
	)
}

// CordExists succeeds only while the cord sentinel is present.
func (c *AppCommands) CordExists(cordDir string) remote.Command {
	return remote.Cmd("stat", CordFile(cordDir)).Quiet()
}

// CutCord removes the cord sentinel, signalling the container to drain.
func (c *AppCommands) CutCord(cordDir string) remote.Command {
	return remote.Cmd("rm", "-f", CordFile(cordDir))
}

// RemoveCordDir deletes a cut cord's directory.
func (c *AppCommands) RemoveCordDir(cordDir string) remote.Command {
	return remote.Cmd("rm", "-rf", cordDir)
}

// AssetsRoot is the host directory holding extracted assets for all versions.
func (c *AppCommands) AssetsRoot() string {
	return path.Join(c.app.RunDirectory, "assets", "extracted")
}

// AssetsDir is the host directory holding extracted assets for version.
func (c *AppCommands) AssetsDir(version string) string {
	return path.Join(c.AssetsRoot(), c.ContainerName(version))
}

// ExtractAssets copies the assets path out of version's image.
func (c *AppCommands) ExtractAssets(version string) remote.Command {
	tmp := c.ContainerName(version) + "-assets"
	return remote.Combine(
		remote.Cmd("mkdir", "-p", c.AssetsDir(version)),
		remote.Cmd("docker", "container", "create", "--name", tmp, c.Image(version)),
		remote.Cmd("docker", "cp", "-L", tmp+":"+strings.TrimSuffix(c.app.AssetsPath, "/")+"/.", c.AssetsDir(version)),
		remote.Cmd("docker", "container", "rm", tmp),
	)
}

// ListAssetDirs prints the entries of the extracted assets root.
func (c *AppCommands) ListAssetDirs() remote.Command {
	return remote.Cmd("ls", "-1", c.AssetsRoot())
}

// RemoveAssetDir deletes the extracted assets entry called name.
func (c *AppCommands) RemoveAssetDir(name string) remote.Command {
	return remote.Cmd("rm", "-rf", path.Join(c.AssetsRoot(), name))
}

func (c *AppCommands) roleFilters() filters.Args {
	args := filters.NewArgs(
		filters.Arg("label", "service="+c.app.Service),
		filters.Arg("label", "role="+c.app.Role),
	)
	if c.app.Destination != "" {
		args.Add("label", "destination="+c.app.Destination)
	}
	return args
}

// filterFlags renders filter args as sorted --filter flags.
func filterFlags(args filters.Args) []string {
	var flags []string
	keys := args.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		values := args.Get(key)
		sort.Strings(values)
		for _, value := range values {
			flags = append(flags, "--filter", key+"="+value)
		}
	}
	return flags
}
