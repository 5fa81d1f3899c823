package controller

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"
)

// The test binary doubles as a stub compiler: when helperEnv is set it runs
// runHelper instead of the tests. The first argument picks the behaviour;
// anything unknown (e.g. "clang") echoes stdin.
const helperEnv = "COMPILE_ASM_HELPER_PROCESS"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelper(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelper(args []string) int {
	mode := ""
	if len(args) > 0 {
		mode = args[0]
	}

	switch mode {
	case "silent":
		return 0

	case "hang":
		_, _ = io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
		return 0

	case "invalid":
		_, _ = io.Copy(io.Discard, os.Stdin)
		_, _ = os.Stdout.Write([]byte("bad\xff\xfe\nafter\n"))
		return 0

	case "invalid-echo":
		// bad output first, then echo while still reading input
		_, _ = os.Stdout.Write([]byte("\xff\n"))
		time.Sleep(200 * time.Millisecond)
		_, _ = io.Copy(os.Stdout, os.Stdin)
		return 0

	case "stderr":
		fmt.Fprint(os.Stderr, "warning: unused variable 'x'\n")
		_, _ = io.Copy(os.Stdout, os.Stdin)
		return 1

	default:
		_, _ = io.Copy(os.Stdout, os.Stdin)
		return 0
	}
}

// useHelper makes spawned children run as the stub compiler.
func useHelper(t *testing.T) {
	t.Helper()
	t.Setenv(helperEnv, "1")
}

// helperBinary returns the absolute path of the running test binary.
func helperBinary(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("Failed to locate test binary: %v", err)
	}
	return exe
}

func helperArgs(t *testing.T, mode string) []string {
	return []string{helperBinary(t), mode}
}
