package docker

import (
	"context"

	dockertypes "github.com/docker/docker/api/types"
)

// engineAPI is the subset of the Docker client APIClient uses, so tests can
// substitute a fake daemon.
type engineAPI interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	Close() error
}
