package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/cortexhub/cortex/pkg/contracts"
)

// dockerRuntime implements contracts.ContainerRuntime against the local
// Docker daemon.
type dockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (contracts.ContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerRuntime{cli: cli}, nil
}

func (d *dockerRuntime) CreateContainer(ctx context.Context, spec contracts.ContainerSpec) (string, error) {
	servingPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ServingPort))
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          strslice.StrSlice(spec.Cmd),
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{servingPort: struct{}{}},
	}
	if spec.Healthcheck != nil {
		cfg.Healthcheck = &container.HealthConfig{
			Test:        spec.Healthcheck.Test,
			Interval:    spec.Healthcheck.Interval,
			Timeout:     spec.Healthcheck.Timeout,
			StartPeriod: spec.Healthcheck.StartPeriod,
			Retries:     spec.Healthcheck.Retries,
		}
	}

	hostCfg := &container.HostConfig{
		// Model servers must never come back by themselves after a
		// crash; restarts are explicit admin actions.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		PortBindings: nat.PortMap{
			servingPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		ShmSize: spec.ShmSizeBytes,
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if len(spec.GPUDeviceIDs) > 0 {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    spec.GPUDeviceIDs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) StartContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (d *dockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerRuntime) InspectContainer(ctx context.Context, id string) (contracts.ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return contracts.ContainerStatus{}, err
	}
	st := contracts.ContainerStatus{}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		st.OOMKilled = info.State.OOMKilled
	}
	return st, nil
}

func (d *dockerRuntime) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	// Docker multiplexes stdout/stderr on one stream; demux and merge.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil && err != io.EOF {
		return buf.String(), err
	}
	return buf.String(), nil
}

func (d *dockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *dockerRuntime) SaveImages(ctx context.Context, images []string, w io.Writer) error {
	rc, err := d.cli.ImageSave(ctx, images)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

func (d *dockerRuntime) LoadImages(ctx context.Context, r io.Reader) error {
	resp, err := d.cli.ImageLoad(ctx, r, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
