package registry

import (
	"context"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/example/akri-agent/pkg/agenterrors"
	"github.com/example/akri-agent/pkg/discoveryapi"
	"github.com/example/akri-agent/pkg/rpc"
)

// RegistrationServer serves the Registration protocol on a
// fixed local-domain-socket path and inserts entries into a Registry.
type RegistrationServer struct {
	discoveryapi.RegistrationServer

	socketPath string
	registry   *Registry
	grpcServer *grpc.Server
}

// NewRegistrationServer builds a server bound to socketPath.
func NewRegistrationServer(socketPath string, reg *Registry) *RegistrationServer {
	return &RegistrationServer{
		socketPath: socketPath,
		registry:   reg,
	}
}

// Register implements discoveryapi.RegistrationServer.
func (s *RegistrationServer) Register(_ context.Context, req *discoveryapi.RegisterRequest) (*discoveryapi.RegisterResponse, error) {
	if req.Name == "" || req.Endpoint == "" {
		return nil, agenterrors.ToGRPCStatus(agenterrors.New(agenterrors.InvalidDiscoveryDetails, "registration requires name and endpoint", nil))
	}
	s.registry.Register(*req)
	return &discoveryapi.RegisterResponse{}, nil
}

// Run serves until ctx is cancelled. A failure to bind the registration
// socket is Fatal: the registration path is the agent's only
// way to learn about out-of-process handlers, so the process cannot
// usefully continue without it.
func (s *RegistrationServer) Run(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return agenterrors.New(agenterrors.Fatal, fmt.Sprintf("removing stale registration socket %s", s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return agenterrors.New(agenterrors.Fatal, fmt.Sprintf("binding registration socket %s", s.socketPath), err)
	}

	// No ForceServerCodec is needed: grpc-go dispatches each RPC to the
	// codec registered under its content-subtype (pkg/rpc's "json"),
	// negotiated per call via the client's grpc.CallContentSubtype option.
	s.grpcServer = grpc.NewServer()
	discoveryapi.RegisterRegistrationServer(s.grpcServer, s)

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("registration endpoint: serving on %s", s.socketPath)
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		klog.Info("registration endpoint: shutting down")
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return agenterrors.New(agenterrors.Fatal, "registration endpoint serve loop exited", err)
		}
		return nil
	}
}

var _ = rpc.CodecName // codec is registered as a side effect of importing pkg/rpc
