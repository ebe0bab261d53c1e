package agenterrors

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToGRPCStatus maps an error's Kind to the matching gRPC status code so
// that a caller on the other side of a gRPC boundary can branch on the
// status code without depending on this package.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	var code codes.Code
	switch kind {
	case InvalidDiscoveryDetails:
		code = codes.InvalidArgument
	case UnavailableDiscoveryHandler:
		code = codes.Unavailable
	case NotFound:
		code = codes.NotFound
	case SlotTaken:
		code = codes.InvalidArgument
	case KubeletRegistrationFailed, ApiTransient, ApiConflict:
		code = codes.Internal
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
