package discoveryapi

import (
	"context"

	"google.golang.org/grpc"
)

// RegistrationServer is implemented by the agent's Registration Endpoint.
type RegistrationServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
}

// RegistrationServiceDesc is the grpc.ServiceDesc for the Registration
// protocol, hand-maintained in the shape protoc-gen-go-grpc would emit.
var RegistrationServiceDesc = grpc.ServiceDesc{
	ServiceName: "akri.sh.discovery.Registration",
	HandlerType: (*RegistrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(RegisterRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(RegistrationServer).Register(ctx, req)
				}
				info := &grpc.UnaryServerInfo{
					Server:     srv,
					FullMethod: "/akri.sh.discovery.Registration/Register",
				}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(RegistrationServer).Register(ctx, req.(*RegisterRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "akri/discovery/registration.proto",
}

// RegisterRegistrationServer registers srv with s.
func RegisterRegistrationServer(s grpc.ServiceRegistrar, srv RegistrationServer) {
	s.RegisterService(&RegistrationServiceDesc, srv)
}

// RegistrationClient is the client side of the Registration protocol.
type RegistrationClient interface {
	Register(ctx context.Context, req *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
}

type registrationClient struct {
	cc grpc.ClientConnInterface
}

// NewRegistrationClient wraps cc as a RegistrationClient.
func NewRegistrationClient(cc grpc.ClientConnInterface) RegistrationClient {
	return &registrationClient{cc: cc}
}

func (c *registrationClient) Register(ctx context.Context, req *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	resp := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/akri.sh.discovery.Registration/Register", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
