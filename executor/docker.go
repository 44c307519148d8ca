package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	docker "github.com/fsouza/go-dockerclient"
)

// DockerProvider adapts the Docker engine API to the ContainerProvider
// port.
type DockerProvider struct {
	client *docker.Client
}

var _ ContainerProvider = (*DockerProvider)(nil)

// NewDockerProvider connects using the standard DOCKER_HOST environment
// chain.
func NewDockerProvider() (*DockerProvider, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}
	return &DockerProvider{client: client}, nil
}

func (p *DockerProvider) PullImage(ctx context.Context, image string) error {
	repo, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}
	err := p.client.PullImage(docker.PullImageOptions{
		Repository: repo,
		Tag:        tag,
		Context:    ctx,
	}, docker.AuthConfiguration{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", image, err)
	}
	return nil
}

func (p *DockerProvider) CreateContainer(ctx context.Context, cfg *ContainerConfig, name string) (string, error) {
	c, err := p.client.CreateContainer(docker.CreateContainerOptions{
		Name: name,
		Config: &docker.Config{
			Image:  cfg.Image,
			Cmd:    cfg.Cmd,
			Env:    cfg.Env,
			Labels: cfg.Labels,
		},
		HostConfig: &docker.HostConfig{
			Binds: cfg.Binds,
		},
		Context: ctx,
	})
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", name, err)
	}
	return c.ID, nil
}

func (p *DockerProvider) StartContainer(ctx context.Context, id string) error {
	if err := p.client.StartContainerWithContext(id, nil, ctx); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (p *DockerProvider) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := uint(timeout / time.Second)
	if err := p.client.StopContainerWithContext(id, secs, ctx); err != nil {
		if _, ok := err.(*docker.ContainerNotRunning); ok {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (p *DockerProvider) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := p.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:      id,
		Force:   force,
		Context: ctx,
	})
	if err != nil {
		if _, ok := err.(*docker.NoSuchContainer); ok {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (p *DockerProvider) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	c, err := p.client.InspectContainerWithOptions(docker.InspectContainerOptions{
		ID:      id,
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}
	return &ContainerState{
		ID:         c.ID,
		Name:       c.Name,
		Running:    c.State.Running,
		ExitCode:   c.State.ExitCode,
		Labels:     c.Config.Labels,
		StartedAt:  c.State.StartedAt,
		FinishedAt: c.State.FinishedAt,
	}, nil
}

func (p *DockerProvider) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerState, error) {
	var filter []string
	for k, v := range labels {
		filter = append(filter, k+"="+v)
	}
	cs, err := p.client.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"label": filter},
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerState, 0, len(cs))
	for _, c := range cs {
		out = append(out, ContainerState{
			ID:      c.ID,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func (p *DockerProvider) ContainerLogs(ctx context.Context, id string, w io.Writer) error {
	err := p.client.Logs(docker.LogsOptions{
		Container:    id,
		OutputStream: w,
		ErrorStream:  w,
		Stdout:       true,
		Stderr:       true,
		Context:      ctx,
	})
	if err != nil {
		return fmt.Errorf("fetch logs of %s: %w", id, err)
	}
	return nil
}

func (p *DockerProvider) Close() error { return nil }
