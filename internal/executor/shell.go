package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ynop/vespene/internal/domain"
)

// maxOutputTail bounds how much build output is kept for the log line.
const maxOutputTail = 4 << 10

// Shell runs a build as a shell command. The command sees the build through
// VESPENE_BUILD_ID, VESPENE_PROJECT_ID and VESPENE_POOL_ID.
type Shell struct {
	command string
	dir     string
	logger  *slog.Logger
}

// NewShell creates a Shell engine running command with /bin/sh -c inside dir.
// An empty dir runs in the worker's working directory.
func NewShell(command, dir string, logger *slog.Logger) *Shell {
	return &Shell{command: command, dir: dir, logger: logger}
}

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Run(ctx context.Context, build *domain.Build) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "engine.shell")
	defer span.End()

	if s.command == "" {
		return errors.New("shell engine has no command configured")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(),
		"VESPENE_BUILD_ID="+strconv.FormatInt(build.ID, 10),
		"VESPENE_PROJECT_ID="+strconv.FormatInt(build.ProjectID, 10),
		"VESPENE_POOL_ID="+strconv.FormatInt(build.PoolID, 10),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Grandchildren holding the output pipe must not outlive a cancelled build.
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	code := cmd.ProcessState.ExitCode() // -1 if the process never started or was killed
	span.SetAttributes(attribute.Int("process.exit_code", code))

	s.logger.Debug("build output",
		slog.Int64("build_id", build.ID),
		slog.String("output", tail(out.Bytes(), maxOutputTail)),
	)

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("build %d: %w", build.ID, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("build %d exited with status %d", build.ID, code)
		}
		return fmt.Errorf("build %d: start command: %w", build.ID, err)
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
