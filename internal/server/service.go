package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "compileasm.v1.CompileService"

const compileMethod = "/" + ServiceName + "/Compile"

// CompileServiceServer is the server API for CompileService.
type CompileServiceServer interface {
	// Compile starts a compile and streams every fragment appended to the
	// target's output until the job ends.
	Compile(*structpb.Struct, CompileStream) error
}

// CompileStream is the server side of a Compile call.
type CompileStream interface {
	Send(*wrapperspb.StringValue) error
	grpc.ServerStream
}

// ServiceDesc describes CompileService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CompileServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Compile",
			Handler:       compileHandler,
			ServerStreams: true,
		},
	},
	Metadata: "compileasm/v1/compile.proto",
}

// RegisterCompileServiceServer registers srv with s.
func RegisterCompileServiceServer(s grpc.ServiceRegistrar, srv CompileServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func compileHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(CompileServiceServer).Compile(req, &compileServerStream{stream})
}

type compileServerStream struct {
	grpc.ServerStream
}

func (x *compileServerStream) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

// ============================================================================
// Client
// ============================================================================

// Client calls CompileService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// CompileClientStream receives the fragments of one Compile call.
type CompileClientStream interface {
	Recv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

// Compile sends req and returns the fragment stream.
func (c *Client) Compile(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (CompileClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], compileMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &compileClientStream{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type compileClientStream struct {
	grpc.ClientStream
}

func (x *compileClientStream) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
