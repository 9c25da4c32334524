// Package dockeragent is the reference dispatch.AgentClient implementation
// backed by the local Docker daemon, for development and testing against a
// single machine instead of a fleet of worker agents. Production
// deployments implement dispatch.AgentClient over the worker node's own RPC
// surface; this package exists to exercise that interface end to end
// without standing up real hardware.
package dockeragent

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/dispatch"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
)

// Config holds the Docker daemon connection settings for the reference
// agent client. Kept separate from the scheduler's central Config since it
// only matters for this dev/test backing.
type Config struct {
	Host       string
	APIVersion string
	NetworkMode string
}

// Client wraps the Docker SDK to provide the container primitives the
// reference AgentClient needs: create, start, stop, remove, inspect, exec.
type Client struct {
	cli    *client.Client
	logger *logging.Logger
	config Config
}

// NewClient opens a connection to the local Docker daemon.
func NewClient(cfg Config, log *logging.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host))
	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the Docker client's connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// DockerAgentClient implements dispatch.AgentClient over a single Docker
// daemon, running each kernel as one container.
type DockerAgentClient struct {
	client *Client
	logger *logging.Logger
}

// NewDockerAgentClient adapts a Client into a dispatch.AgentClient.
func NewDockerAgentClient(c *Client, log *logging.Logger) *DockerAgentClient {
	return &DockerAgentClient{client: c, logger: log.WithFields(zap.String("component", "dockeragent"))}
}

var _ dispatch.AgentClient = (*DockerAgentClient)(nil)

func containerName(req *dispatch.CreateKernelRequest) string {
	return fmt.Sprintf("baisched-kernel-%s", req.KernelID)
}

// CreateKernel pulls the requested image (if not already present), creates
// a container configured from the requested resource slots, and starts it.
func (a *DockerAgentClient) CreateKernel(ctx context.Context, req *dispatch.CreateKernelRequest) (*dispatch.CreateKernelResponse, error) {
	name := containerName(req)
	a.logger.Info("creating kernel container",
		zap.String("kernel_id", req.KernelID), zap.String("image", req.ImageRef))

	reader, err := a.client.cli.ImagePull(ctx, req.ImageRef, image.PullOptions{})
	if err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	mounts := make([]mount.Mount, 0, len(req.VFolderMounts))
	for _, m := range req.VFolderMounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m, Target: m})
	}

	env := make([]string, 0, len(req.EnvVars))
	for k, v := range req.EnvVars {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image: req.ImageRef,
		Env:   env,
		Labels: map[string]string{
			"baisched.kernel_id":  req.KernelID,
			"baisched.session_id": req.SessionID,
		},
	}
	if req.BootstrapScript != "" {
		containerCfg.Cmd = []string{"/bin/sh", "-c", req.BootstrapScript}
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   req.AllocatedSlots["mem"],
			CPUQuota: req.AllocatedSlots["cpu"] * 100000,
		},
	}

	resp, err := a.client.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create kernel container %s: %w", req.KernelID, err)
	}

	if err := a.client.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start kernel container %s: %w", req.KernelID, err)
	}

	return &dispatch.CreateKernelResponse{
		ContainerID: resp.ID,
		Status:      domain.KernelStatusRunning,
	}, nil
}

// DestroyKernel stops and removes the container backing a kernel.
func (a *DockerAgentClient) DestroyKernel(ctx context.Context, kernelID string, attemptSeq int64, force bool) error {
	name := "baisched-kernel-" + kernelID
	if !force {
		timeout := 10
		_ = a.client.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	}
	return a.client.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// GetKernelStatus inspects the container and maps its Docker state to a
// domain.KernelStatus.
func (a *DockerAgentClient) GetKernelStatus(ctx context.Context, kernelID string) (domain.KernelStatus, error) {
	name := "baisched-kernel-" + kernelID
	inspect, err := a.client.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect kernel container %s: %w", kernelID, err)
	}
	switch inspect.State.Status {
	case "created":
		return domain.KernelStatusCreating, nil
	case "running":
		return domain.KernelStatusRunning, nil
	case "exited", "dead":
		if inspect.State.ExitCode != 0 {
			return domain.KernelStatusError, nil
		}
		return domain.KernelStatusTerminated, nil
	default:
		return domain.KernelStatusCreating, nil
	}
}

// Exec runs a command inside the kernel's container and streams output.
func (a *DockerAgentClient) Exec(ctx context.Context, kernelID string, attemptSeq int64, command []string) (<-chan []byte, error) {
	name := "baisched-kernel-" + kernelID
	execCfg := container.ExecOptions{Cmd: command, AttachStdout: true, AttachStderr: true}
	execID, err := a.client.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create for kernel %s: %w", kernelID, err)
	}

	attachResp, err := a.client.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach for kernel %s: %w", kernelID, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer attachResp.Close()
		buf := make([]byte, 4096)
		for {
			n, err := attachResp.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

// Interrupt sends SIGINT to the kernel's container.
func (a *DockerAgentClient) Interrupt(ctx context.Context, kernelID string, attemptSeq int64) error {
	name := "baisched-kernel-" + kernelID
	return a.client.cli.ContainerKill(ctx, name, "SIGINT")
}

// Restart stops then starts the kernel's container in place.
func (a *DockerAgentClient) Restart(ctx context.Context, kernelID string, attemptSeq int64) error {
	name := "baisched-kernel-" + kernelID
	timeout := 10
	if err := a.client.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart (stop) kernel %s: %w", kernelID, err)
	}
	if err := a.client.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("restart (start) kernel %s: %w", kernelID, err)
	}
	return nil
}

// Ping checks Docker daemon availability, used at startup to fail fast.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// ListImageRefs returns the repo:tag references of every image cached on
// this agent's Docker daemon, used by the rescan-images operator command to
// compare what an agent actually holds against what it last reported.
func (c *Client) ListImageRefs(ctx context.Context) ([]string, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var refs []string
	for _, img := range images {
		if len(img.RepoTags) == 0 {
			refs = append(refs, img.ID)
			continue
		}
		refs = append(refs, img.RepoTags...)
	}
	return refs, nil
}
