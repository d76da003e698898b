// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/stacklok/demobroker/pkg/logger"
)

// Common socket paths
const (
	// PodmanSocketPath is the default Podman socket path
	PodmanSocketPath = "/var/run/podman/podman.sock"
	// DockerSocketPath is the default Docker socket path
	DockerSocketPath = "/var/run/docker.sock"
	// DockerDesktopMacSocketPath is the Docker Desktop socket path on macOS
	DockerDesktopMacSocketPath = ".docker/run/docker.sock"
)

// DockerSocketEnv is the environment variable for a custom socket path.
const DockerSocketEnv = "DMB_DOCKER_SOCKET"

// credentialMountPath is where the credential file appears inside the
// sandbox.
const credentialMountPath = "/run/demo/credentials.env"

// Conservative limits for session containers.
const (
	memoryLimitBytes = 1 << 30 // 1 GiB
	nanoCPUs         = 1_000_000_000
	pidsLimit        = 256
	tmpfsSize        = "rw,size=67108864" // 64 MiB working area
	terminalPort     = "7681/tcp"
)

// DockerConfig holds the settings for session containers.
type DockerConfig struct {
	// Image is the sandbox terminal image.
	Image string
	// HostPort is the localhost port the terminal multiplexer is published
	// on; the reverse proxy fronts it.
	HostPort int
	// Network is the optional demo network the container joins.
	Network string
}

// DockerRunner implements Runner on the Docker/Podman socket API.
type DockerRunner struct {
	client *client.Client
	cfg    DockerConfig
}

// NewDockerRunner connects to the container runtime and returns a runner.
func NewDockerRunner(ctx context.Context, cfg DockerConfig) (*DockerRunner, error) {
	socketPath, err := findContainerSocket()
	if err != nil {
		return nil, err
	}

	// Dial the Unix socket directly; no TCP daemon exposure is assumed.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}

	dockerClient, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost("unix://"+socketPath),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}

	if _, err := dockerClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping container runtime: %w", err)
	}
	logger.Debugf("connected to container runtime at %s", socketPath)

	return &DockerRunner{client: dockerClient, cfg: cfg}, nil
}

// findContainerSocket locates a usable container socket, preferring the
// env override, then Docker, then Podman.
func findContainerSocket() (string, error) {
	if custom := os.Getenv(DockerSocketEnv); custom != "" {
		if _, err := os.Stat(custom); err != nil {
			return "", fmt.Errorf("custom container socket %s not accessible: %w", custom, err)
		}
		return custom, nil
	}

	candidates := []string{DockerSocketPath, PodmanSocketPath}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DockerDesktopMacSocketPath))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no container runtime socket found")
}

// Spawn creates and starts a session container under conservative limits:
// read-only rootfs, small writable tmpfs, bounded memory/CPU/PIDs, all
// capabilities dropped, no privilege escalation.
func (r *DockerRunner) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	pids := int64(pidsLimit)

	config := &container.Config{
		Image: r.cfg.Image,
		Env: []string{
			"SESSION_TIMEOUT_MINUTES=" + strconv.Itoa(spec.TimeoutMinutes),
			"DEBUG=" + strconv.FormatBool(spec.Debug),
			"CREDENTIALS_FILE=" + credentialMountPath,
		},
		Labels: map[string]string{
			"demobroker":         "true",
			"demobroker-session": spec.SessionID,
		},
		Tty:          true,
		OpenStdin:    true,
		ExposedPorts: nat.PortSet{terminalPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": tmpfsSize},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			NanoCPUs:  nanoCPUs,
			PidsLimit: &pids,
		},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   spec.CredentialFile,
				Target:   credentialMountPath,
				ReadOnly: true,
			},
		},
		PortBindings: nat.PortMap{
			terminalPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(r.cfg.HostPort)},
			},
		},
	}

	networkConfig := &network.NetworkingConfig{}
	if r.cfg.Network != "" {
		networkConfig.EndpointsConfig = map[string]*network.EndpointSettings{
			r.cfg.Network: {},
		}
	}

	name := "demo-session-" + spec.SessionID
	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create session container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave the created container behind.
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start session container: %w", err)
	}

	logger.Infow("session container started", "session_id", spec.SessionID, "container_id", resp.ID)
	return &dockerHandle{client: r.client, id: resp.ID}, nil
}

type dockerHandle struct {
	client *client.Client
	id     string
}

func (h *dockerHandle) ID() string {
	return h.id
}

func (h *dockerHandle) Wait(ctx context.Context) <-chan ExitResult {
	out := make(chan ExitResult, 1)
	statusCh, errCh := h.client.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)

	go func() {
		defer close(out)
		select {
		case status := <-statusCh:
			var err error
			if status.Error != nil {
				err = fmt.Errorf("container wait: %s", status.Error.Message)
			}
			out <- ExitResult{Code: status.StatusCode, Err: err}
		case err := <-errCh:
			out <- ExitResult{Code: -1, Err: err}
		case <-ctx.Done():
			out <- ExitResult{Code: -1, Err: ctx.Err()}
		}
	}()
	return out
}

func (h *dockerHandle) Stop(ctx context.Context, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := h.client.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop session container: %w", err)
	}
	return nil
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	if err := h.client.ContainerKill(ctx, h.id, "SIGKILL"); err != nil {
		return fmt.Errorf("failed to kill session container: %w", err)
	}
	return nil
}
