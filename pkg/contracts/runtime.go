package contracts

import (
	"context"
	"io"
	"time"
)

// Mount is a host bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Healthcheck mirrors the runtime's container healthcheck settings.
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// ContainerSpec describes a container to create. Containers are never
// configured to auto-restart; crash recovery is an explicit admin action.
type ContainerSpec struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	Mounts       []Mount
	HostPort     int // published on the container's serving port
	ServingPort  int
	Network      string
	GPUDeviceIDs []string
	ShmSizeBytes int64
	Healthcheck  *Healthcheck
	Labels       map[string]string
}

// ContainerStatus is a point-in-time view of a container.
type ContainerStatus struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// ContainerRuntime is the slice of the container engine the lifecycle
// and deployment controllers need. The production implementation talks
// to the Docker daemon; tests substitute a fake.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerStatus, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	ImageExists(ctx context.Context, image string) (bool, error)
	SaveImages(ctx context.Context, images []string, w io.Writer) error
	LoadImages(ctx context.Context, r io.Reader) error
}
