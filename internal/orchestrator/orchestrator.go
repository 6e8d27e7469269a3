// Package orchestrator owns the sandbox container lifecycle: image
// availability, hardened container creation, interactive exec attach, and
// cleanup of containers left behind by a crashed run. No other component
// stops or removes containers directly.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-units"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/bridge"
	"github.com/shellgate/shellgate/internal/config"
)

const (
	labelManaged   = "shellgate.managed"
	labelSessionID = "shellgate.session_id"

	apiKeyEnv      = "API_KEY"
	accessTokenEnv = "ACCESS_TOKEN"
)

// resizeTimeout bounds a single terminal resize call to the runtime.
const resizeTimeout = 10 * time.Second

type Orchestrator struct {
	client *dockerclient.Client
}

// New connects to the container runtime and verifies it is reachable. An
// unreachable runtime is fatal at startup: the service must not accept
// connections it cannot service.
func New(ctx context.Context) (*Orchestrator, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable (is it running, and is DOCKER_HOST correct?): %w", err)
	}
	log.Println("Docker daemon connected")
	return &Orchestrator{client: cli}, nil
}

// EnsureImage makes sure the sandbox image exists locally, building it from
// the configured build context when one is set and pulling it otherwise.
// Build output is surfaced through the log writer so a failing build is
// diagnosable.
func (o *Orchestrator) EnsureImage(ctx context.Context) error {
	img := config.Cfg.SandboxImage
	if _, _, err := o.client.ImageInspectWithRaw(ctx, img); err == nil {
		log.Printf("Sandbox image %s found locally", img)
		return nil
	}

	if dir := config.Cfg.ImageBuildContext; dir != "" {
		log.Printf("Sandbox image %s not found, building from %s", img, dir)
		return o.buildImage(ctx, img, dir)
	}

	log.Printf("Sandbox image %s not found locally, pulling...", img)
	reader, err := o.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Sandbox image %s pulled", img)
	return nil
}

func (o *Orchestrator) buildImage(ctx context.Context, img, dir string) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", dir, err)
	}
	defer buildCtx.Close()

	resp, err := o.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{img},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", img, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, log.Writer(), 0, false, nil); err != nil {
		return fmt.Errorf("image build failed (fix %s/Dockerfile or set SHELLGATE_SANDBOX_IMAGE to a pullable image): %w", dir, err)
	}
	log.Printf("Sandbox image %s built", img)
	return nil
}

// buildEnv assembles the container environment: credentials first, then the
// client's requested variables. Credentials travel as process environment,
// never as command-line arguments, so they cannot leak through process
// listings. Malformed or reserved keys are skipped.
func buildEnv(creds auth.Credentials) []string {
	env := []string{
		apiKeyEnv + "=" + creds.APIKey,
		accessTokenEnv + "=" + creds.AccessToken,
	}
	for k, v := range creds.Env {
		if k == "" || k == apiKeyEnv || k == accessTokenEnv ||
			strings.ContainsAny(k, "=\x00") || strings.ContainsRune(v, 0) {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// CreateContainer starts a sandbox with a locked-down runtime profile: all
// capabilities dropped, privilege escalation disabled, bounded resources, and
// automatic removal once stopped. Returns the container id.
func (o *Orchestrator) CreateContainer(ctx context.Context, sessionID string, creds auth.Credentials) (string, error) {
	memLimit, err := units.RAMInBytes(config.Cfg.MemoryLimit)
	if err != nil {
		return "", fmt.Errorf("parse memory limit %q: %w", config.Cfg.MemoryLimit, err)
	}

	stopTimeout := config.Cfg.StopTimeout
	pidsLimit := config.Cfg.PidsLimit

	containerCfg := &container.Config{
		Image: config.Cfg.SandboxImage,
		Cmd:   config.Cfg.SandboxCommand,
		Env:   buildEnv(creds),
		Labels: map[string]string{
			labelManaged:   "true",
			labelSessionID: sessionID,
		},
		StopTimeout: &stopTimeout,
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(config.Cfg.NetworkMode),
		Resources: container.Resources{
			NanoCPUs:  int64(config.Cfg.CPULimit * 1e9),
			Memory:    memLimit,
			PidsLimit: &pidsLimit,
		},
	}

	resp, err := o.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "shellgate-"+sessionID)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := o.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up so a failed start never leaves an orphan behind.
		o.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, nil
}

// AttachShell starts the interactive shell inside a running container and
// attaches a duplex stream to it. The exec is created without a TTY so the
// runtime multiplexes stdout and stderr with frame headers — the one attach
// mode that lets the bridge distinguish the two streams. Resize requests are
// forwarded to the runtime; failures there are non-fatal by contract.
func (o *Orchestrator) AttachShell(ctx context.Context, containerID string) (*ExecSession, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{config.Cfg.SandboxShell},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(bridge.DefaultRows), uint(bridge.DefaultCols)},
	}

	execID, err := o.client.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := o.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &ExecSession{
		reader: resp.Reader,
		stdin:  resp.Conn,
		resize: func(cols, rows uint16) error {
			// Resizes arrive for the life of the session, long after the
			// provisioning request's context is gone, so each call gets its
			// own bounded context.
			rctx, cancel := context.WithTimeout(context.Background(), resizeTimeout)
			defer cancel()
			return o.client.ContainerExecResize(rctx, execID.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		closeFn: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

// ReleaseContainer stops a session's container. With AutoRemove set the
// runtime removes it after the stop; a container that is already stopped or
// gone is success, not an error.
func (o *Orchestrator) ReleaseContainer(ctx context.Context, containerID string) error {
	stopTimeout := config.Cfg.StopTimeout
	err := o.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		// Fall through to a forced remove; stop can fail on an already
		// exiting container.
		rmErr := o.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		if rmErr != nil && !dockerclient.IsErrNotFound(rmErr) {
			return fmt.Errorf("container stop: %v; remove: %w", err, rmErr)
		}
	}
	return nil
}

// SweepStale force-removes every managed container whose session is not
// live. At startup, with an empty registry, that is everything left over
// from a previous crashed run. "Already gone" races are tolerated.
func (o *Orchestrator) SweepStale(ctx context.Context, isLive func(sessionID string) bool) (int, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=true")

	containers, err := o.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("container list: %w", err)
	}

	removed := 0
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelSessionID]
		if isLive != nil && sessionID != "" && isLive(sessionID) {
			continue
		}
		err := o.client.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: true})
		if err != nil && !dockerclient.IsErrNotFound(err) {
			log.Printf("[orchestrator] sweep: remove container %s: %v", ctr.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Close releases the docker client.
func (o *Orchestrator) Close() error {
	return o.client.Close()
}
