// testpg starts a throwaway embedded Postgres, sets TEST_DATABASE_URL, runs
// the given command (typically `go test ...`), then stops Postgres.
//
// Usage: go run ./internal/testutil/cmd/testpg -- go test -tags=integration -count=1 ./...
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/flowbase/flowbase/internal/testutil"
)

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: testpg [--] <command> [args...]")
		return 1
	}

	pgLog, err := os.CreateTemp("", "flowbase-test-pg-log-*.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testpg: create log file: %v\n", err)
		return 1
	}
	defer os.Remove(pgLog.Name())
	defer pgLog.Close()

	var logw io.Writer = pgLog
	if os.Getenv("TESTPG_VERBOSE") != "" {
		logw = io.MultiWriter(pgLog, os.Stderr)
	}

	fmt.Fprintf(os.Stderr, "testpg: starting embedded postgres (logs: %s)\n", pgLog.Name())
	url, stop, err := testutil.StartEmbeddedPostgres(logw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testpg: start postgres: %v\n", err)
		return 1
	}
	cleanup := func() {
		fmt.Fprintln(os.Stderr, "testpg: stopping embedded postgres")
		stop()
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Fprintf(os.Stderr, "testpg: TEST_DATABASE_URL=%s\n", url)

	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "TEST_DATABASE_URL="+url)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "testpg: %v\n", err)
		return 1
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			return 0
		case errors.As(err, &exitErr):
			return exitErr.ExitCode()
		default:
			fmt.Fprintf(os.Stderr, "testpg: %v\n", err)
			return 1
		}

	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "\ntestpg: received %s, shutting down\n", sig)
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, sig.(syscall.Signal))
		}
		// A second signal exits without waiting for the child.
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "testpg: forced exit")
			cleanup()
			os.Exit(1)
		}()
		<-waitCh
		return 128 + int(sig.(syscall.Signal))
	}
}
