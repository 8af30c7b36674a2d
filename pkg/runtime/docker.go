package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fly-io/pgupgrade/pkg/errors"
)

// DockerRuntime implements Runtime with the Docker Engine API for container
// operations and docker compose for the topology
type DockerRuntime struct {
	inner   *client.Client
	compose *Compose
	dbUser  string
}

// NewDockerRuntime connects to the daemon using environment defaults
func NewDockerRuntime(host string, compose *Compose, dbUser string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "create docker client"), errors.KindRuntimeUnavailable)
	}

	slog.Info("docker_runtime_init", "host", inner.DaemonHost(), "db_user", dbUser)
	return &DockerRuntime{inner: inner, compose: compose, dbUser: dbUser}, nil
}

// Ping validates connectivity to the Docker daemon
func (d *DockerRuntime) Ping(ctx context.Context) error {
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return unavailable(err, "docker ping")
	}
	if ping.APIVersion == "" {
		return errors.New(errors.KindRuntimeUnavailable, "docker ping returned empty API version")
	}
	return nil
}

func (d *DockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	inspect, err := d.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, unavailable(err, "container inspect")
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *DockerRuntime) IsReady(ctx context.Context, name string) (bool, error) {
	running, err := d.IsRunning(ctx, name)
	if err != nil || !running {
		return false, err
	}
	res, err := d.Exec(ctx, name, []string{"pg_isready", "-U", d.dbUser})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (d *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	var out bytes.Buffer
	code, err := d.exec(ctx, name, cmd, nil, &out, &out)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Output: out.String(), ExitCode: code}, nil
}

func (d *DockerRuntime) ExecStreaming(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout io.Writer) (int, error) {
	var stderr bytes.Buffer
	code, err := d.exec(ctx, name, cmd, stdin, stdout, &stderr)
	if code != 0 && stderr.Len() > 0 {
		slog.Warn("exec_stderr", "container", name, "command", cmd[0], "stderr", tail(stderr.String(), 10))
	}
	return code, err
}

// exec runs cmd as the database user with stdio attached. Stdin is closed
// for writing once fully copied so tools like psql see EOF.
func (d *DockerRuntime) exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	created, err := d.inner.ContainerExecCreate(ctx, name, container.ExecOptions{
		User:         d.dbUser,
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, unavailable(err, "exec create")
	}

	attach, err := d.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, unavailable(err, "exec attach")
	}

	stdinDone := make(chan error, 1)
	if stdin != nil {
		go func() {
			_, err := io.Copy(attach.Conn, stdin)
			if cerr := attach.CloseWrite(); err == nil {
				err = cerr
			}
			stdinDone <- err
		}()
	} else {
		stdinDone <- nil
	}

	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
	attach.Close()
	inErr := <-stdinDone

	if copyErr != nil {
		return -1, unavailable(copyErr, "exec output")
	}
	if inErr != nil {
		return -1, unavailable(inErr, "exec input")
	}

	inspect, err := d.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, unavailable(err, "exec inspect")
	}
	return inspect.ExitCode, nil
}

func (d *DockerRuntime) RecentLogs(ctx context.Context, name string, lines int) (string, error) {
	rc, err := d.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", unavailable(err, "container logs")
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), unavailable(err, "read container logs")
	}
	return buf.String(), nil
}

func (d *DockerRuntime) StopTopology(ctx context.Context) error {
	return d.compose.Down(ctx)
}

func (d *DockerRuntime) StartTopology(ctx context.Context) error {
	return d.compose.Up(ctx)
}

func (d *DockerRuntime) RunEphemeral(ctx context.Context, service string, cmd []string) error {
	return d.compose.Run(ctx, service, cmd)
}

// Close releases resources held by the Docker client
func (d *DockerRuntime) Close() error {
	if d.inner == nil {
		return nil
	}
	return d.inner.Close()
}

func unavailable(err error, op string) error {
	return errors.WithKind(fmt.Errorf("docker %s: %w", op, err), errors.KindRuntimeUnavailable)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
