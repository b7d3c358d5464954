package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
	"github.com/input-output-hk/catalyst-forge-build/snapshot"
)

// BestEffortFlag marks a RUN instruction whose non-zero exit does not
// fail the stage.
const BestEffortFlag = "best-effort"

// ExecutionError indicates a RUN command exited non-zero. It carries
// the captured output for diagnostics.
type ExecutionError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %v exited with code %d", e.Command, e.ExitCode)
}

// Unwrap returns the underlying exec error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// run executes a RUN instruction confined to the build root. The
// process gets its own process group so cancellation and per-step
// timeouts terminate the whole group. Under IsolationUserNS the
// process is chrooted into the root inside an unprivileged user
// namespace with the runner's ID mapping table installed; no daemon
// socket or privileged mount is ever involved.
func (r *Runner) run(ctx context.Context, inst *dockerfile.Instruction) error {
	argv := inst.ShellCommand()

	workdir := r.config.Config.WorkingDir
	if workdir == "" {
		workdir = "/"
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(append([]string{}, r.config.Config.Env...), r.options.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	switch r.options.Isolation {
	case IsolationUserNS:
		cmd.Dir = workdir
		cmd.SysProcAttr.Chroot = r.root
		cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWUSER
		cmd.SysProcAttr.UidMappings = procIDMaps(r.options.Mappings.UIDs)
		cmd.SysProcAttr.GidMappings = procIDMaps(r.options.Mappings.GIDs)
		cmd.SysProcAttr.GidMappingsEnableSetgroups = false
	case IsolationProcess:
		dir, err := securejoin.SecureJoin(r.root, workdir)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory %q: %w", workdir, err)
		}
		cmd.Dir = dir
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := io.Writer(&stdoutBuf)
	if r.options.StdoutWriter != nil {
		stdout = io.MultiWriter(&stdoutBuf, r.options.StdoutWriter)
	}
	stderr := io.Writer(&stderrBuf)
	if r.options.StderrWriter != nil {
		stderr = io.MultiWriter(&stderrBuf, r.options.StderrWriter)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if runErr == nil {
		return nil
	}

	// Cancellation wins over exit-status reporting so callers observe
	// the context error, not a spurious command failure.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command cancelled: %w", ctxErr)
	}

	if _, bestEffort := inst.Flag(BestEffortFlag); bestEffort {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionError{
		Command:  argv,
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Err:      runErr,
	}
}

// procIDMaps converts the snapshot mapping table to the form the kernel
// expects when the user namespace is created. Inside the namespace the
// mapped ID is the visible one, so it becomes the container ID.
func procIDMaps(table []snapshot.IDMap) []syscall.SysProcIDMap {
	maps := make([]syscall.SysProcIDMap, 0, len(table))
	for _, m := range table {
		maps = append(maps, syscall.SysProcIDMap{
			ContainerID: m.MappedID,
			HostID:      m.HostID,
			Size:        m.Size,
		})
	}
	return maps
}
