package discoveryapi

import (
	"context"

	"google.golang.org/grpc"
)

// DiscoveryServer is implemented by a Discovery Handler.
type DiscoveryServer interface {
	Discover(*DiscoverRequest, Discovery_DiscoverServer) error
}

// Discovery_DiscoverServer is the server-side stream handle for Discover.
type Discovery_DiscoverServer interface {
	Send(*DiscoverResponse) error
	grpc.ServerStream
}

type discoveryDiscoverServer struct {
	grpc.ServerStream
}

func (s *discoveryDiscoverServer) Send(resp *DiscoverResponse) error {
	return s.ServerStream.SendMsg(resp)
}

// DiscoveryServiceDesc is the grpc.ServiceDesc for the Discovery protocol.
var DiscoveryServiceDesc = grpc.ServiceDesc{
	ServiceName: "akri.sh.discovery.Discovery",
	HandlerType: (*DiscoveryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Discover",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(DiscoverRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(DiscoveryServer).Discover(req, &discoveryDiscoverServer{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "akri/discovery/discovery.proto",
}

// RegisterDiscoveryServer registers srv with s.
func RegisterDiscoveryServer(s grpc.ServiceRegistrar, srv DiscoveryServer) {
	s.RegisterService(&DiscoveryServiceDesc, srv)
}

// DiscoveryClient is the client side of the Discovery protocol.
type DiscoveryClient interface {
	Discover(ctx context.Context, req *DiscoverRequest, opts ...grpc.CallOption) (Discovery_DiscoverClient, error)
}

// Discovery_DiscoverClient is the client-side stream handle for Discover.
type Discovery_DiscoverClient interface {
	Recv() (*DiscoverResponse, error)
	grpc.ClientStream
}

type discoveryClient struct {
	cc grpc.ClientConnInterface
}

// NewDiscoveryClient wraps cc as a DiscoveryClient.
func NewDiscoveryClient(cc grpc.ClientConnInterface) DiscoveryClient {
	return &discoveryClient{cc: cc}
}

func (c *discoveryClient) Discover(ctx context.Context, req *DiscoverRequest, opts ...grpc.CallOption) (Discovery_DiscoverClient, error) {
	stream, err := c.cc.NewStream(ctx, &DiscoveryServiceDesc.Streams[0], "/akri.sh.discovery.Discovery/Discover", opts...)
	if err != nil {
		return nil, err
	}
	cs := &discoveryDiscoverClient{stream}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

type discoveryDiscoverClient struct {
	grpc.ClientStream
}

func (c *discoveryDiscoverClient) Recv() (*DiscoverResponse, error) {
	resp := new(DiscoverResponse)
	if err := c.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
