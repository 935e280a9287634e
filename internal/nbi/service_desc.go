package nbi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "handover.v1.NetworkService"

// RPC method names.
const (
	MethodRegisterDevice   = "RegisterDevice"
	MethodConnectDevice    = "ConnectDevice"
	MethodDisconnectDevice = "DisconnectDevice"
	MethodSendData         = "SendData"
	MethodSendAll          = "SendAll"
	MethodMoveDevice       = "MoveDevice"
	MethodMoveAll          = "MoveAll"
	MethodGetDevice        = "GetDevice"
	MethodListStations     = "ListStations"
	MethodListDevices      = "ListDevices"
	MethodGetSnapshot      = "GetSnapshot"
	MethodCheckInvariants  = "CheckInvariants"
)

// FullMethod returns the gRPC path of method on NetworkService.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// NetworkServiceServer is the server API for NetworkService. Requests and
// responses are google.protobuf.Struct documents.
type NetworkServiceServer interface {
	RegisterDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConnectDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DisconnectDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendData(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MoveDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MoveAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckInvariants(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(NetworkServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// NetworkServiceDesc describes NetworkService for grpc.ServiceRegistrar.
var NetworkServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NetworkServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodRegisterDevice, NetworkServiceServer.RegisterDevice),
		unaryMethod(MethodConnectDevice, NetworkServiceServer.ConnectDevice),
		unaryMethod(MethodDisconnectDevice, NetworkServiceServer.DisconnectDevice),
		unaryMethod(MethodSendData, NetworkServiceServer.SendData),
		unaryMethod(MethodSendAll, NetworkServiceServer.SendAll),
		unaryMethod(MethodMoveDevice, NetworkServiceServer.MoveDevice),
		unaryMethod(MethodMoveAll, NetworkServiceServer.MoveAll),
		unaryMethod(MethodGetDevice, NetworkServiceServer.GetDevice),
		unaryMethod(MethodListStations, NetworkServiceServer.ListStations),
		unaryMethod(MethodListDevices, NetworkServiceServer.ListDevices),
		unaryMethod(MethodGetSnapshot, NetworkServiceServer.GetSnapshot),
		unaryMethod(MethodCheckInvariants, NetworkServiceServer.CheckInvariants),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handover/v1/network_service.proto",
}

func unaryMethod(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NetworkServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(NetworkServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterNetworkServiceServer registers srv on s.
func RegisterNetworkServiceServer(s grpc.ServiceRegistrar, srv NetworkServiceServer) {
	s.RegisterService(&NetworkServiceDesc, srv)
}

// NetworkServiceClient calls NetworkService methods over a client connection.
type NetworkServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewNetworkServiceClient wraps cc.
func NewNetworkServiceClient(cc grpc.ClientConnInterface) *NetworkServiceClient {
	return &NetworkServiceClient{cc: cc}
}

// Call invokes method with req. A nil req is sent as an empty document.
func (c *NetworkServiceClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
