package codec

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stateprotocol.v1.StateProtocol"

// #region server-api
// StateProtocolServer is implemented by the protocol daemon.
type StateProtocolServer interface {
	Retrieve(context.Context, *RetrieveRequest) (*RetrieveResponse, error)
	ValidateBinding(context.Context, *ValidateRequest) (*ValidateResponse, error)
	BindOutput(context.Context, *BindRequest) (*BindResponse, error)
	OverrideBinding(context.Context, *BindRequest) (*BindResponse, error)
	LogViolation(context.Context, *LogViolationRequest) (*LogViolationResponse, error)
	CurrentSnapshot(context.Context, *CurrentSnapshotRequest) (*CurrentSnapshotResponse, error)
}

// RegisterStateProtocolServer registers srv on s.
func RegisterStateProtocolServer(s grpc.ServiceRegistrar, srv StateProtocolServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the unary methods of the service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StateProtocolServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Retrieve", StateProtocolServer.Retrieve),
		unary("ValidateBinding", StateProtocolServer.ValidateBinding),
		unary("BindOutput", StateProtocolServer.BindOutput),
		unary("OverrideBinding", StateProtocolServer.OverrideBinding),
		unary("LogViolation", StateProtocolServer.LogViolation),
		unary("CurrentSnapshot", StateProtocolServer.CurrentSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stateprotocol/v1",
}

func unary[Req, Resp any](method string, call func(StateProtocolServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StateProtocolServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StateProtocolServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// #endregion server-api

// #region client-api
// StateProtocolClient is the raw RPC surface.
type StateProtocolClient interface {
	Retrieve(ctx context.Context, in *RetrieveRequest, opts ...grpc.CallOption) (*RetrieveResponse, error)
	ValidateBinding(ctx context.Context, in *ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error)
	BindOutput(ctx context.Context, in *BindRequest, opts ...grpc.CallOption) (*BindResponse, error)
	OverrideBinding(ctx context.Context, in *BindRequest, opts ...grpc.CallOption) (*BindResponse, error)
	LogViolation(ctx context.Context, in *LogViolationRequest, opts ...grpc.CallOption) (*LogViolationResponse, error)
	CurrentSnapshot(ctx context.Context, in *CurrentSnapshotRequest, opts ...grpc.CallOption) (*CurrentSnapshotResponse, error)
}

type stateProtocolClient struct {
	cc grpc.ClientConnInterface
}

// NewStateProtocolClient returns a client that always negotiates the JSON codec.
func NewStateProtocolClient(cc grpc.ClientConnInterface) StateProtocolClient {
	return &stateProtocolClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Name)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *stateProtocolClient) Retrieve(ctx context.Context, in *RetrieveRequest, opts ...grpc.CallOption) (*RetrieveResponse, error) {
	return invoke[RetrieveResponse](ctx, c.cc, "Retrieve", in, opts)
}

func (c *stateProtocolClient) ValidateBinding(ctx context.Context, in *ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error) {
	return invoke[ValidateResponse](ctx, c.cc, "ValidateBinding", in, opts)
}

func (c *stateProtocolClient) BindOutput(ctx context.Context, in *BindRequest, opts ...grpc.CallOption) (*BindResponse, error) {
	return invoke[BindResponse](ctx, c.cc, "BindOutput", in, opts)
}

func (c *stateProtocolClient) OverrideBinding(ctx context.Context, in *BindRequest, opts ...grpc.CallOption) (*BindResponse, error) {
	return invoke[BindResponse](ctx, c.cc, "OverrideBinding", in, opts)
}

func (c *stateProtocolClient) LogViolation(ctx context.Context, in *LogViolationRequest, opts ...grpc.CallOption) (*LogViolationResponse, error) {
	return invoke[LogViolationResponse](ctx, c.cc, "LogViolation", in, opts)
}

func (c *stateProtocolClient) CurrentSnapshot(ctx context.Context, in *CurrentSnapshotRequest, opts ...grpc.CallOption) (*CurrentSnapshotResponse, error) {
	return invoke[CurrentSnapshotResponse](ctx, c.cc, "CurrentSnapshot", in, opts)
}

// #endregion client-api
