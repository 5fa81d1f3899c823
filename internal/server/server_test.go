package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/compile-asm/internal/config"
	"github.com/ChuLiYu/compile-asm/internal/controller"
	"github.com/ChuLiYu/compile-asm/internal/invocation"
	"github.com/ChuLiYu/compile-asm/internal/sink"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// The test binary stands in for xcrun: with helperEnv set it echoes stdin.
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

// startServer serves CompileService over an in-memory listener and returns
// a connected client.
func startServer(t *testing.T, settings config.Loader) *Client {
	t.Helper()
	t.Setenv(helperEnv, "1")

	ctrl := controller.NewController(controller.Config{
		Settings: settings,
		Sinks:    sink.FanoutFactory(),
	})
	t.Cleanup(ctrl.Stop)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterCompileServiceServer(gs, NewServer(ctrl, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewClient(conn)
}

func helperSettings(t *testing.T) config.Loader {
	cfg := config.Default()
	cfg.Settings.Launcher = helperBinary(t)
	return config.Static(cfg)
}

// collect reads the whole stream.
func collect(t *testing.T, client *Client, creq controller.CompileRequest) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := EncodeRequest(creq)
	require.NoError(t, err)

	stream, err := client.Compile(ctx, req)
	require.NoError(t, err)

	var sb strings.Builder
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(msg.GetValue())
	}
}

// ============================================================================
// Service Tests
// ============================================================================

func TestCompileStreamsOutput(t *testing.T) {
	client := startServer(t, helperSettings(t))
	text := "int square(int x) { return x * x; }\n"

	out, err := collect(t, client, controller.CompileRequest{
		Source:  invocation.Source{Name: "square.c", Dir: t.TempDir(), Text: text},
		Options: invocation.Options{Arch: "arm64"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "; Compiled with: "+helperBinary(t)+" clang -arch arm64 "), out)
	assert.Contains(t, out, "; -- Piped 36 bytes to compiler\n")
	assert.True(t, strings.HasSuffix(out, text))
}

func TestCompileSettingsUnavailable(t *testing.T) {
	client := startServer(t, config.Static(nil))

	out, err := collect(t, client, controller.CompileRequest{
		Source:  invocation.Source{Text: "int x;"},
		Options: invocation.Options{Arch: "arm64"},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCompileSpawnError(t *testing.T) {
	cfg := config.Default()
	cfg.Settings.Launcher = "/nonexistent/compile-asm-test/xcrun"
	client := startServer(t, config.Static(cfg))

	_, err := collect(t, client, controller.CompileRequest{
		Source:  invocation.Source{Name: "a.c", Dir: t.TempDir(), Text: "int x;"},
		Options: invocation.Options{Arch: "arm64"},
	})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestCompileInvalidArgument(t *testing.T) {
	client := startServer(t, helperSettings(t))

	_, err := collect(t, client, controller.CompileRequest{
		Source:  invocation.Source{Name: "a.c", Text: "int x;"},
		Options: invocation.Options{Arch: "arm64", DeviceOS: "ios"},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Compile(ctx, &structpb.Struct{})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// ============================================================================
// Request Mapping Tests
// ============================================================================

func TestEncodeDecodeRequest(t *testing.T) {
	in := controller.CompileRequest{
		Source: invocation.Source{Name: "a.m", Dir: "/src", Text: "@import Foundation;"},
		Options: invocation.Options{
			Arch:       "arm64",
			SDK:        "iphoneos",
			DeviceOS:   "ios",
			ExtraArgs:  []string{"-DNDEBUG"},
			OutputKind: []string{"-emit-llvm", "-S"},
		},
		NoFilter: true,
	}

	req, err := EncodeRequest(in)
	require.NoError(t, err)
	out, err := DecodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRequestRejectsBadFields(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]interface{}
		want string
	}{
		{"missing source", map[string]interface{}{"arch": "arm64"}, "missing field"},
		{"source not string", map[string]interface{}{"source": 1.0}, "\"source\" must be a string"},
		{"extra_args not list", map[string]interface{}{"source": "", "extra_args": "-O2"}, "list of strings"},
		{"extra_args item", map[string]interface{}{"source": "", "extra_args": []interface{}{true}}, "\"extra_args\"[0]"},
		{"no_filter not bool", map[string]interface{}{"source": "", "no_filter": "yes"}, "must be a bool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := structpb.NewStruct(tt.in)
			require.NoError(t, err)

			_, err = DecodeRequest(req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := DecodeRequest(nil)
	assert.Error(t, err)
}
