// ============================================================================
// compile-asm Invocation Builder - compiler argument assembly
// ============================================================================
//
// Package: internal/invocation
// File: builder.go
// Purpose: Turns settings + the buffer + the requested architecture into the
//          argument list, working directory and target key of one compile.
//
// Argument order:
//   xcrun [--sdk SDK]
//   (clang_path [-isysroot clang_sysroot] | clang)
//   (-arch arm64 -emit-llvm | -target <arch>-apple-<os><ver> | -arch ARCH)
//   [-fobjc-arc] [-fmodules] [optimization] [warning flags]
//   [extra args] (compile_options.<ext> | -x objective-c++ -std=c++11)
//   [annotation args] (output kind | -S) -o- -
//
// The compiler always reads the source from stdin ("-") and writes to
// stdout ("-o-"), so nothing touches the file on disk.
//
// ============================================================================

package invocation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/compile-asm/internal/config"
	"github.com/ChuLiYu/compile-asm/pkg/types"
)

// UntitledName names buffers that were never saved. Objective-C++ accepts
// the widest range of input.
const UntitledName = "untitled.mm"

// ArchLLVM requests LLVM IR instead of machine assembly.
const ArchLLVM = "llvm"

// NoLauncher as settings.launcher runs the compiler directly, without xcrun.
const NoLauncher = "none"

// ErrMissingSDK is returned when a device OS target needs an SDK.
var ErrMissingSDK = errors.New("invocation: device OS target requires an SDK")

// Source describes the buffer being compiled.
type Source struct {
	Name string // file name, "" for an unsaved buffer
	Dir  string // directory of the file, "" for an unsaved buffer
	Text string // full buffer contents
}

// Options are the per-command arguments.
type Options struct {
	Arch       string   // arm64, x86_64, llvm, ...
	SDK        string   // xcrun SDK name, e.g. iphoneos
	DeviceOS   string   // ios, tvos, ... ; requires SDK
	ExtraArgs  []string // appended after the warning flags
	OutputKind []string // replaces -S, e.g. ["-emit-llvm", "-S"]
}

// Invocation is a fully built compile request.
type Invocation struct {
	Args       []string
	WorkingDir string
	FileName   string
	TargetKey  types.TargetKey
}

// PlatformVersionFunc returns the platform version of an SDK ("17.2").
type PlatformVersionFunc func(ctx context.Context, launcher, sdk string) (string, error)

// Builder assembles invocations from settings.
type Builder struct {
	Settings        *config.Settings
	PlatformVersion PlatformVersionFunc
	FileExists      func(path string) bool
	TempDir         func() string
}

// NewBuilder creates a builder using the real toolchain helpers.
func NewBuilder(settings *config.Settings) *Builder {
	return &Builder{
		Settings:        settings,
		PlatformVersion: XcrunPlatformVersion,
		FileExists:      fileExists,
		TempDir:         os.TempDir,
	}
}

// TargetKey returns "<base>.<arch>.asm" for a file name.
func TargetKey(fileName, arch string) types.TargetKey {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if arch == "" {
		return types.TargetKey(base + ".asm")
	}
	return types.TargetKey(fmt.Sprintf("%s.%s.asm", base, arch))
}

// Build assembles the invocation for src.
func (b *Builder) Build(ctx context.Context, src Source, opts Options) (Invocation, error) {
	s := b.Settings
	if s == nil {
		s = &config.Default().Settings
	}

	fileName, workingDir := src.Name, src.Dir
	if fileName == "" {
		fileName = UntitledName
		workingDir = b.tempDir()
	} else if workingDir == "" {
		workingDir = "."
	}
	ext := filepath.Ext(fileName)
	notes := Scan(src.Text)

	var args []string
	if s.Launcher != NoLauncher {
		args = append(args, s.Launcher)
		if opts.SDK != "" {
			args = append(args, "--sdk", opts.SDK)
		}
	}

	if s.ClangPath != "" && b.exists(s.ClangPath) {
		args = append(args, s.ClangPath)
		if s.ClangSysroot != "" {
			args = append(args, "-isysroot", s.ClangSysroot)
		}
	} else {
		args = append(args, "clang")
	}

	switch {
	case opts.Arch == "":
	case opts.Arch == ArchLLVM:
		args = append(args, "-arch", "arm64", "-emit-llvm")
	case opts.DeviceOS != "":
		target, err := b.target(ctx, s.Launcher, opts)
		if err != nil {
			return Invocation{}, err
		}
		args = append(args, "-target", target)
	default:
		args = append(args, "-arch", opts.Arch)
	}

	if (ext == ".m" || ext == ".mm") && !contains(opts.ExtraArgs, "-fno-objc-arc") {
		args = append(args, "-fobjc-arc")
	}
	if notes.UsesModules {
		args = append(args, "-fmodules")
	}
	if level := s.Optimization(); level != "" {
		args = append(args, level)
	}
	if !notes.SkipWarnings {
		args = append(args, s.CompileWarningFlags...)
	}
	args = append(args, opts.ExtraArgs...)

	if compileOptions, ok := s.OptionsFor(ext); ok {
		args = append(args, compileOptions...)
	} else {
		args = append(args, "-x", "objective-c++", "-std=c++11")
	}
	args = append(args, notes.Args...)

	switch {
	case len(opts.OutputKind) > 0:
		args = append(args, opts.OutputKind...)
	case len(notes.OutputKind) > 0:
		args = append(args, notes.OutputKind...)
	default:
		args = append(args, "-S")
	}
	args = append(args, "-o-", "-")

	return Invocation{
		Args:       args,
		WorkingDir: workingDir,
		FileName:   fileName,
		TargetKey:  TargetKey(fileName, opts.Arch),
	}, nil
}

// target builds "<arch>-apple-<os><version>".
func (b *Builder) target(ctx context.Context, launcher string, opts Options) (string, error) {
	if opts.SDK == "" {
		return "", ErrMissingSDK
	}
	lookup := b.PlatformVersion
	if lookup == nil {
		lookup = XcrunPlatformVersion
	}
	version, err := lookup(ctx, launcher, opts.SDK)
	if err != nil {
		return "", fmt.Errorf("failed to query platform version of %s: %w", opts.SDK, err)
	}
	return fmt.Sprintf("%s-apple-%s%s", opts.Arch, opts.DeviceOS, version), nil
}

func (b *Builder) exists(path string) bool {
	if b.FileExists == nil {
		return fileExists(path)
	}
	return b.FileExists(path)
}

func (b *Builder) tempDir() string {
	if b.TempDir == nil {
		return os.TempDir()
	}
	return b.TempDir()
}

// XcrunPlatformVersion runs `xcrun --sdk SDK --show-sdk-platform-version`.
func XcrunPlatformVersion(ctx context.Context, launcher, sdk string) (string, error) {
	if launcher == "" {
		launcher = config.DefaultLauncher
	}
	out, err := exec.CommandContext(ctx, launcher, "--sdk", sdk, "--show-sdk-platform-version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), " \t\r\n"), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
