package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "orderflow.v1.Operations"
	SubmitMethod = "/orderflow.v1.Operations/Submit"
)

// OperationsServer is the server API for orderflow.v1.Operations.
type OperationsServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// OperationsServiceDesc describes orderflow.v1.Operations. Requests and responses are
// google.protobuf.Struct values carrying the JSON envelope and result envelope.
var OperationsServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperationsServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "orderflow/v1/operations.proto",
}

// RegisterOperationsServer registers srv on s.
func RegisterOperationsServer(s grpcpkg.ServiceRegistrar, srv OperationsServer) {
	s.RegisterService(&OperationsServiceDesc, srv)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OperationsServer).Submit(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OperationsServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// OperationsClient calls orderflow.v1.Operations.
type OperationsClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewOperationsClient constructs a client over cc.
func NewOperationsClient(cc grpcpkg.ClientConnInterface) *OperationsClient {
	return &OperationsClient{cc: cc}
}

// Submit sends one envelope.
func (c *OperationsClient) Submit(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SubmitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
