package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ sl *slog.Logger }

func newTestLogger() *testLogger {
	return &testLogger{sl: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *testLogger) ForSupervisor(iid uint32, pid int) *slog.Logger {
	return l.sl.With(slog.Uint64("iid", uint64(iid)), slog.Int("pid", pid))
}

// TestMain doubles as both the test runner and, when STRIDE_HELPER_PROCESS
// is set, a tiny solver stand-in driven by the STRIDE_HELPER_MODE env var.
// This is the standard Go technique for deterministically testing os/exec
// supervision (spec §8): the test binary re-execs itself as the child.
func TestMain(m *testing.M) {
	if os.Getenv("STRIDE_HELPER_PROCESS") == "1" {
		runHelper()
		return
	}
	os.Exit(m.Run())
}

func runHelper() {
	switch os.Getenv("STRIDE_HELPER_MODE") {
	case "echo-stdin":
		buf := make([]byte, 4096)
		n, _ := os.Stdin.Read(buf)
		fmt.Print(string(buf[:n]))
		os.Exit(0)
	case "sleep-ignore-term":
		// Ignores SIGTERM and sleeps long enough that the harness's timeout
		// and grace windows both elapse, exercising the Killed path.
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(10 * time.Second)
		os.Exit(0)
	case "exit-nonzero":
		os.Exit(7)
	default:
		os.Exit(0)
	}
}

func helperCommand() (string, []string) {
	return os.Args[0], []string{"-test.run=TestMain"}
}

func helperEnv(mode string) []string {
	return append(os.Environ(), "STRIDE_HELPER_PROCESS=1", "STRIDE_HELPER_MODE="+mode)
}

func TestSuperviseEchoesStdinAndExitsZero(t *testing.T) {
	bin, args := helperCommand()
	res, err := Supervise(context.Background(), newTestLogger(), 1, bin, args, helperEnv("echo-stdin"), []byte("hello\n"), 5*time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PhaseExited, res.Phase)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hello")
}

func TestSuperviseCapturesNonZeroExit(t *testing.T) {
	bin, args := helperCommand()
	res, err := Supervise(context.Background(), newTestLogger(), 1, bin, args, helperEnv("exit-nonzero"), nil, 5*time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PhaseExited, res.Phase)
	assert.Equal(t, 7, res.ExitCode)
}

// P5 / scenario 4: a child that ignores SIGTERM is killed at timeout+grace,
// with wall time bounded accordingly.
func TestP5SupervisorDeadlineKillsStubbornChild(t *testing.T) {
	bin, args := helperCommand()
	timeout := 300 * time.Millisecond
	grace := 300 * time.Millisecond

	start := time.Now()
	res, err := Supervise(context.Background(), newTestLogger(), 1, bin, args, helperEnv("sleep-ignore-term"), nil, timeout, grace)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, PhaseKilled, res.Phase)
	assert.Less(t, elapsed, timeout+grace+2*time.Second, "wall time must stay bounded near timeout+grace")
}

func TestSupervisorRespectsContextCancellation(t *testing.T) {
	bin, args := helperCommand()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := Supervise(ctx, newTestLogger(), 1, bin, args, helperEnv("sleep-ignore-term"), nil, 5*time.Second, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, PhaseKilled, res.Phase)
}

func TestSpawnFailureReportsSupervisionFailure(t *testing.T) {
	_, err := Supervise(context.Background(), newTestLogger(), 1, "/nonexistent/binary/path", nil, nil, nil, time.Second, time.Second)
	require.Error(t, err)
}
