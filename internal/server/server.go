// ============================================================================
// compile-asm gRPC Server - editor-facing compile service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Receives compile requests from editor plugins and streams the
//          target's output back while the job runs.
//
// Request (google.protobuf.Struct):
//   source       string   buffer contents (required)
//   file_name    string   "" for an unsaved buffer
//   file_dir     string
//   arch         string
//   sdk          string
//   device_os    string
//   extra_args   []string
//   output_kind  []string
//   no_filter    bool
//
// Response stream (google.protobuf.StringValue):
//   every fragment appended to the target's sink from the moment the request
//   arrives, preamble included. A fragment still draining from a superseded
//   job of the same target can appear in the stream.
//
// Status codes:
//   InvalidArgument  malformed request, device OS without SDK
//   Internal         spawn failure, sink without streaming support
//   (none)           settings unavailable: the stream ends empty
//
// ============================================================================

package server

import (
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/compile-asm/internal/controller"
	"github.com/ChuLiYu/compile-asm/internal/invocation"
	"github.com/ChuLiYu/compile-asm/internal/sink"
)

// subscriberBuffer is the fragment backlog held per streaming call.
const subscriberBuffer = 64

// Server implements CompileServiceServer on top of a Controller whose sinks
// are Fanout buffers.
type Server struct {
	controller *controller.Controller
	log        *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(ctrl *controller.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		controller: ctrl,
		log:        logger,
	}
}

// Compile handles one editor compile command.
func (s *Server) Compile(req *structpb.Struct, stream CompileStream) error {
	ctx := stream.Context()

	creq, err := DecodeRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	// subscribe before the job starts so the preamble is not missed
	fileName := creq.Source.Name
	if fileName == "" {
		fileName = invocation.UntitledName
	}
	out, err := s.controller.Sinks().Open(invocation.TargetKey(fileName, creq.Options.Arch))
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	fanout, ok := out.Buffer().(*sink.Fanout)
	if !ok {
		return status.Errorf(codes.Internal, "sink %s does not support streaming", out.Name())
	}
	fragments, unsubscribe := fanout.Subscribe(subscriberBuffer)
	defer unsubscribe()

	job, err := s.controller.Compile(ctx, creq)
	switch {
	case errors.Is(err, controller.ErrSpawn):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, invocation.ErrMissingSDK):
		return status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		return status.Error(codes.Internal, err.Error())
	case job == nil:
		s.log.Debug("Compile skipped", "target", out.Name())
		return nil
	}

	s.log.Info("Streaming compile", "target", job.TargetKey(), "job", job.ID())

	var flushed chan struct{}
	done := job.Done()
	for {
		select {
		case text := <-fragments:
			if err := stream.Send(wrapperspb.String(text)); err != nil {
				return err
			}

		case <-done:
			// the reader may still have fragments queued in the sink
			done = nil
			flushed = make(chan struct{})
			go func() {
				job.Sink().Flush()
				close(flushed)
			}()

		case <-flushed:
			return drain(fragments, stream)

		case <-ctx.Done():
			s.log.Debug("Editor went away", "target", job.TargetKey(), "job", job.ID())
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// drain sends whatever is already buffered in fragments.
func drain(fragments <-chan string, stream CompileStream) error {
	for {
		select {
		case text := <-fragments:
			if err := stream.Send(wrapperspb.String(text)); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// ============================================================================
// Request mapping
// ============================================================================

// DecodeRequest maps the wire struct to a CompileRequest.
func DecodeRequest(req *structpb.Struct) (controller.CompileRequest, error) {
	var (
		creq controller.CompileRequest
		err  error
	)
	if req == nil {
		return creq, errors.New("empty request")
	}
	if _, ok := req.GetFields()["source"]; !ok {
		return creq, errors.New("missing field \"source\"")
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"source", &creq.Source.Text},
		{"file_name", &creq.Source.Name},
		{"file_dir", &creq.Source.Dir},
		{"arch", &creq.Options.Arch},
		{"sdk", &creq.Options.SDK},
		{"device_os", &creq.Options.DeviceOS},
	}
	for _, f := range strs {
		if *f.dst, err = stringField(req, f.name); err != nil {
			return creq, err
		}
	}

	if creq.Options.ExtraArgs, err = listField(req, "extra_args"); err != nil {
		return creq, err
	}
	if creq.Options.OutputKind, err = listField(req, "output_kind"); err != nil {
		return creq, err
	}

	if v, ok := req.GetFields()["no_filter"]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return creq, errors.New("field \"no_filter\" must be a bool")
		}
		creq.NoFilter = b.BoolValue
	}
	return creq, nil
}

// EncodeRequest is the inverse of DecodeRequest, used by clients.
func EncodeRequest(creq controller.CompileRequest) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"source":      creq.Source.Text,
		"file_name":   creq.Source.Name,
		"file_dir":    creq.Source.Dir,
		"arch":        creq.Options.Arch,
		"sdk":         creq.Options.SDK,
		"device_os":   creq.Options.DeviceOS,
		"extra_args":  toList(creq.Options.ExtraArgs),
		"output_kind": toList(creq.Options.OutputKind),
		"no_filter":   creq.NoFilter,
	}
	return structpb.NewStruct(m)
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", nil
	}
	s, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", fmt.Errorf("field %q must be a string", name)
	}
	return s.StringValue, nil
}

func listField(req *structpb.Struct, name string) ([]string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, nil
	}
	list, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, fmt.Errorf("field %q must be a list of strings", name)
	}

	var out []string
	for i, item := range list.ListValue.GetValues() {
		s, isString := item.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, fmt.Errorf("field %q[%d] must be a string", name, i)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

func toList(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
