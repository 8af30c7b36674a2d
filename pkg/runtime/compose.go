package runtime

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/fly-io/pgupgrade/pkg/errors"
)

// Compose runs docker compose against the topology descriptor
type Compose struct {
	binary string
	file   string
}

// NewCompose creates a compose driver. binary is "docker" for the compose
// plugin or a standalone "docker-compose".
func NewCompose(binary, file string) *Compose {
	if binary == "" {
		binary = "docker"
	}
	return &Compose{binary: binary, file: file}
}

func (c *Compose) args(sub ...string) []string {
	var args []string
	if c.binary == "docker" || strings.HasSuffix(c.binary, "/docker") {
		args = append(args, "compose")
	}
	if c.file != "" {
		args = append(args, "-f", c.file)
	}
	return append(args, sub...)
}

func (c *Compose) run(ctx context.Context, sub ...string) error {
	args := c.args(sub...)
	slog.Info("compose_exec", "binary", c.binary, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("compose_exec_failed", "args", strings.Join(args, " "), "output", strings.TrimSpace(string(output)), "error", err)
		return errors.WithKind(errors.Wrap(err, "compose "+sub[0]+": "+lastLine(output)), errors.KindRuntimeUnavailable)
	}
	return nil
}

// Down stops and removes the topology's containers; named volumes survive
func (c *Compose) Down(ctx context.Context) error {
	return c.run(ctx, "down")
}

// Up starts the topology detached
func (c *Compose) Up(ctx context.Context) error {
	return c.run(ctx, "up", "-d")
}

// Run starts a throwaway container for service without its dependencies
func (c *Compose) Run(ctx context.Context, service string, cmd []string) error {
	if len(cmd) == 0 {
		return errors.New(errors.KindArgumentError, "ephemeral command is empty")
	}
	sub := []string{"run", "--rm", "--no-deps", "--entrypoint", cmd[0], service}
	return c.run(ctx, append(sub, cmd[1:]...)...)
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
