package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
)

// ServiceName is the fully-qualified gRPC service name. Messages are
// google.protobuf.Struct so no generated code is needed.
const ServiceName = "dreamina.v1.GenerationService"

const (
	generateMethod       = "/" + ServiceName + "/Generate"
	generateStreamMethod = "/" + ServiceName + "/GenerateStream"
)

// GenerationServer is the server API for the generation service.
type GenerationServer interface {
	Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GenerateStream(in *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the generation service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GenerationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: generateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GenerateStream", Handler: generateStreamHandler, ServerStreams: true},
	},
	Metadata: "dreamina/v1/generation.proto",
}

// RegisterGenerationServer registers srv on s.
func RegisterGenerationServer(s grpc.ServiceRegistrar, srv GenerationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GenerationServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: generateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GenerationServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func generateStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GenerationServer).GenerateStream(in, stream)
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// GRPCServer adapts a Handler to the generation service. Session tokens are
// read from the "authorization" metadata key ("Bearer tok1,tok2").
type GRPCServer struct {
	handler *Handler
}

// NewGRPCServer wraps h.
func NewGRPCServer(h *Handler) *GRPCServer {
	return &GRPCServer{handler: h}
}

// Generate handles a unary generation request.
func (s *GRPCServer) Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := RequestFromStruct(in)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.handler.Generate(ctx, tokensFromContext(ctx), req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := ResponseToStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// GenerateStream handles a server-side streaming generation request.
func (s *GRPCServer) GenerateStream(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	req, err := RequestFromStruct(in)
	if err != nil {
		return toStatus(err)
	}

	chunks, err := s.handler.GenerateStream(ctx, tokensFromContext(ctx), req)
	if err != nil {
		return toStatus(err)
	}

	for chunk := range chunks {
		if chunk.Done && chunk.Err != nil {
			return toStatus(chunk.Err)
		}
		msg, err := chunkToStruct(chunk)
		if err != nil {
			return status.Errorf(codes.Internal, "encode chunk: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return fmt.Errorf("stream send: %w", err)
		}
	}
	return nil
}

func tokensFromContext(ctx context.Context) []string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	var tokens []string
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			v = v[7:]
		}
		tokens = append(tokens, resilience.SplitKeys(v)...)
	}
	return tokens
}

// toStatus maps a classified error to a gRPC status. The history id, when
// known, is part of the message.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Unknown
	switch apierror.KindOf(err) {
	case apierror.KindAuthentication:
		code = codes.Unauthenticated
	case apierror.KindInvalidRequest:
		code = codes.InvalidArgument
	case apierror.KindContentPolicy, apierror.KindResourceFailure:
		code = codes.FailedPrecondition
	case apierror.KindInsufficientCredits:
		code = codes.ResourceExhausted
	case apierror.KindTransient:
		code = codes.Unavailable
	case apierror.KindUpstreamLogic:
		code = codes.Internal
	case apierror.KindGenerationFailed:
		code = codes.Aborted
	default:
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		}
	}
	return status.Error(code, err.Error())
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// GenerationClient calls the generation service.
type GenerationClient struct {
	cc grpc.ClientConnInterface
}

// NewGenerationClient creates a client on cc.
func NewGenerationClient(cc grpc.ClientConnInterface) *GenerationClient {
	return &GenerationClient{cc: cc}
}

// Generate calls the unary method.
func (c *GenerationClient) Generate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, generateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateStream opens the server-streaming method.
func (c *GenerationClient) GenerateStream(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*GenerateStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], generateStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &GenerateStreamClient{stream}, nil
}

// GenerateStreamClient receives stream chunks.
type GenerateStreamClient struct {
	grpc.ClientStream
}

// Recv returns the next chunk, or io.EOF after the last one.
func (x *GenerateStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WithTokens returns ctx carrying session tokens for an outgoing call.
func WithTokens(ctx context.Context, tokens ...string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+strings.Join(tokens, ","))
}

var _ GenerationServer = (*GRPCServer)(nil)
