package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

// passthroughPrefixes are the host environment variables a provider inherits.
// Everything else is cleared.
var passthroughPrefixes = []string{"OTEL_", "LATTICE_LOG"}

// FilterEnv returns the provider environment: PATH, the passthrough prefixes,
// SYSTEMROOT on windows, then extra (which wins on conflict). Output is sorted.
func FilterEnv(environ []string, extra map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if inherited(k) {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func inherited(key string) bool {
	if key == "PATH" || (runtime.GOOS == "windows" && strings.EqualFold(key, "SYSTEMROOT")) {
		return true
	}
	for _, p := range passthroughPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// child is one running provider process.
type child struct {
	cmd    *exec.Cmd
	exited chan error
}

// spawn starts the provider binary, writes the host data line to stdin and
// closes it. The returned child reports its exit on exited.
func spawn(path string, args, env []string, hostData []byte, logger *slog.Logger) (*child, error) {
	stdout, stderr := newLogWriter(logger, "stdout"), newLogWriter(logger, "stderr")
	closeLogs := func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}

	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeLogs()
		return nil, fmt.Errorf("failed to open provider stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeLogs()
		return nil, fmt.Errorf("failed to spawn provider process: %w", err)
	}

	abort := func(step string, err error) (*child, error) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		closeLogs()
		return nil, fmt.Errorf("failed to %s: %w", step, err)
	}
	if _, err := stdin.Write(hostData); err != nil {
		return abort("write provider host data", err)
	}
	if err := stdin.Close(); err != nil {
		return abort("close provider stdin", err)
	}

	c := &child{cmd: cmd, exited: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		closeLogs()
		c.exited <- err
	}()
	return c, nil
}

// kill terminates the process. Exit is still reported on exited.
func (c *child) kill() {
	if c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("failed to kill provider process", "pid", c.cmd.Process.Pid, "error", err)
	}
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// newLogWriter forwards each line a provider writes to the host log.
func newLogWriter(logger *slog.Logger, stream string) *io.PipeWriter {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			logger.Info(scanner.Text(), "stream", stream)
		}
		_ = pr.CloseWithError(scanner.Err())
	}()
	return pw
}
