package cli

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/compile-asm/internal/config"
	"github.com/ChuLiYu/compile-asm/internal/controller"
	"github.com/ChuLiYu/compile-asm/internal/invocation"
	"github.com/ChuLiYu/compile-asm/internal/server"
	"github.com/ChuLiYu/compile-asm/internal/sink"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// With helperEnv set the test binary acts as the launcher and echoes stdin.
const helperEnv = "COMPILE_ASM_HELPER_PROCESS"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		_, _ = io.Copy(os.Stdout, os.Stdin)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperBinary(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// writeConfig writes a config whose launcher is the test binary.
func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf("settings:\n  launcher: %q\nlog:\n  level: debug\n  no_color: true\n", helperBinary(t))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeSource(t *testing.T, name, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

// run executes the CLI and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(helperEnv, "1")

	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

// ============================================================================
// Command Structure Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "compile-asm", cmd.Use)
	assert.Equal(t, "0.1.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["compile"], "Should have 'compile' command")
	assert.True(t, names["serve"], "Should have 'serve' command")
	assert.True(t, names["config"], "Should have 'config' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("debug"))
}

func TestBuildCompileCommand(t *testing.T) {
	cmd := buildCompileCommand()

	for _, name := range []string{"arch", "sdk", "device-os", "extra-arg", "emit", "no-filter", "out-dir", "name", "server"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.Equal(t, "arm64", cmd.Flags().Lookup("arch").DefValue)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("port"))
	assert.NotNil(t, cmd.RunE)
}

// ============================================================================
// Input Tests
// ============================================================================

func TestReadSourceFromFile(t *testing.T) {
	path := writeSource(t, "foo.c", "int x;\n")

	src, err := readSource(nil, path, "")
	require.NoError(t, err)
	assert.Equal(t, "foo.c", src.Name)
	assert.Equal(t, filepath.Dir(path), src.Dir)
	assert.Equal(t, "int x;\n", src.Text)

	_, err = readSource(nil, filepath.Join(t.TempDir(), "missing.c"), "")
	assert.Error(t, err)
}

func TestReadSourceFromStdin(t *testing.T) {
	src, err := readSource(strings.NewReader("int y;"), "-", "")
	require.NoError(t, err)
	assert.Empty(t, src.Name, "an unnamed buffer")
	assert.Empty(t, src.Dir)
	assert.Equal(t, "int y;", src.Text)

	src, err = readSource(strings.NewReader("int y;"), "-", "bar.m")
	require.NoError(t, err)
	assert.Equal(t, "bar.m", src.Name)
}

func TestBuildCompileRequest(t *testing.T) {
	req := buildCompileRequest(sourceFixture(), compileFlags{
		arch:      "x86_64",
		extraArgs: []string{"-DNDEBUG"},
		emit:      "-emit-llvm -S",
		noFilter:  true,
	})

	assert.Equal(t, "x86_64", req.Options.Arch)
	assert.Equal(t, []string{"-DNDEBUG"}, req.Options.ExtraArgs)
	assert.Equal(t, []string{"-emit-llvm", "-S"}, req.Options.OutputKind)
	assert.True(t, req.NoFilter)

	req = buildCompileRequest(sourceFixture(), compileFlags{arch: "arm64"})
	assert.Empty(t, req.Options.OutputKind)
}

func sourceFixture() invocation.Source {
	return invocation.Source{Name: "a.c", Text: "int a;"}
}

// ============================================================================
// End-to-End Tests
// ============================================================================

func TestCompileToStdout(t *testing.T) {
	cfg := writeConfig(t)
	text := "int main(void) { return 0; }\n"
	path := writeSource(t, "foo.c", text)

	out, err := run(t, "", "-c", cfg, "compile", path, "--arch", "arm64")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "; Compiled with: "+helperBinary(t)+" clang -arch arm64 "), out)
	assert.Contains(t, out, fmt.Sprintf("; -- Piped %d bytes to compiler\n", len(text)))
	assert.True(t, strings.HasSuffix(out, text))
}

func TestCompileFromStdin(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "\t.cfi_startproc\nint z;\n", "-c", cfg, "compile", "-")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, " -o- -\n; -- Piped 23 bytes to compiler\nint z;\n"), out)
}

func TestCompileToOutDir(t *testing.T) {
	cfg := writeConfig(t)
	path := writeSource(t, "foo.c", "int x;\n")
	outDir := t.TempDir()

	out, err := run(t, "", "-c", cfg, "compile", path, "--arch", "x86_64", "--out-dir", outDir)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(filepath.Join(outDir, "foo.x86_64.asm"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "int x;\n"))
}

func TestCompileWithUnavailableConfig(t *testing.T) {
	path := writeSource(t, "foo.c", "int x;\n")

	out, err := run(t, "", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "compile", path)
	assert.NoError(t, err, "unavailable settings are a silent no-op")
	assert.Empty(t, out)
}

func TestCompileRemote(t *testing.T) {
	t.Setenv(helperEnv, "1")

	cfg := config.Default()
	cfg.Settings.Launcher = helperBinary(t)
	ctrl := controller.NewController(controller.Config{
		Settings: config.Static(cfg),
		Sinks:    sink.FanoutFactory(),
	})
	t.Cleanup(ctrl.Stop)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	server.RegisterCompileServiceServer(gs, server.NewServer(ctrl, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	path := writeSource(t, "remote.c", "int r;\n")
	out, err := run(t, "", "compile", path, "--server", lis.Addr().String())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "; Compiled with: "), out)
	assert.True(t, strings.HasSuffix(out, "int r;\n"))

	_, ok := ctrl.Sinks().Lookup("remote.arm64.asm")
	assert.True(t, ok)
}

func TestConfigCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "-c", cfg, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "grpc_port: 50051")
	assert.Contains(t, out, "encoding: utf-8")
	assert.Contains(t, out, "level: debug")

	_, err = run(t, "", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "config")
	assert.ErrorIs(t, err, config.ErrUnavailable)
}
