package tunnelrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Full method names as they appear on the wire and in interceptor info.
const (
	UserLoginFullMethod      = "/holepunch.User/Login"
	TunnelListenFullMethod   = "/holepunch.Tunnel/Listen"
	TunnelTransferFullMethod = "/holepunch.Tunnel/Transfer"
)

// UserServer is the server API for the User service.
type UserServer interface {
	Login(context.Context, *LoginBody) (*LoginReply, error)
}

// UnimplementedUserServer can be embedded for forward compatibility.
type UnimplementedUserServer struct{}

func (UnimplementedUserServer) Login(context.Context, *LoginBody) (*LoginReply, error) {
	return nil, status.Error(codes.Unimplemented, "method Login not implemented")
}

// TunnelServer is the server API for the Tunnel service.
type TunnelServer interface {
	Listen(*ListenParam, Tunnel_ListenServer) error
	Transfer(Tunnel_TransferServer) error
}

// UnimplementedTunnelServer can be embedded for forward compatibility.
type UnimplementedTunnelServer struct{}

func (UnimplementedTunnelServer) Listen(*ListenParam, Tunnel_ListenServer) error {
	return status.Error(codes.Unimplemented, "method Listen not implemented")
}

func (UnimplementedTunnelServer) Transfer(Tunnel_TransferServer) error {
	return status.Error(codes.Unimplemented, "method Transfer not implemented")
}

// RegisterUserServer registers srv on s under the holepunch.User service.
func RegisterUserServer(s grpc.ServiceRegistrar, srv UserServer) {
	s.RegisterService(&User_ServiceDesc, srv)
}

// RegisterTunnelServer registers srv on s under the holepunch.Tunnel
// service.
func RegisterTunnelServer(s grpc.ServiceRegistrar, srv TunnelServer) {
	s.RegisterService(&Tunnel_ServiceDesc, srv)
}

// Tunnel_ListenServer is the server side of the Listen stream.
type Tunnel_ListenServer interface {
	Send(*ListenNotification) error
	grpc.ServerStream
}

type tunnelListenServer struct {
	grpc.ServerStream
}

func (x *tunnelListenServer) Send(m *ListenNotification) error {
	return x.ServerStream.SendMsg(m)
}

// Tunnel_TransferServer is the server side of the Transfer stream.
type Tunnel_TransferServer interface {
	Send(*TransferReply) error
	Recv() (*TransferBody, error)
	grpc.ServerStream
}

type tunnelTransferServer struct {
	grpc.ServerStream
}

func (x *tunnelTransferServer) Send(m *TransferReply) error {
	return x.ServerStream.SendMsg(m)
}

func (x *tunnelTransferServer) Recv() (*TransferBody, error) {
	m := new(TransferBody)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _User_Login_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LoginBody)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UserServer).Login(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: UserLoginFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UserServer).Login(ctx, req.(*LoginBody))
	}
	return interceptor(ctx, in, info, handler)
}

func _Tunnel_Listen_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(ListenParam)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TunnelServer).Listen(m, &tunnelListenServer{stream})
}

func _Tunnel_Transfer_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TunnelServer).Transfer(&tunnelTransferServer{stream})
}

// User_ServiceDesc is the grpc.ServiceDesc for the User service.
var User_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "holepunch.User",
	HandlerType: (*UserServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Login",
			Handler:    _User_Login_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tunnel.proto",
}

// Tunnel_ServiceDesc is the grpc.ServiceDesc for the Tunnel service.
var Tunnel_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "holepunch.Tunnel",
	HandlerType: (*TunnelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Listen",
			Handler:       _Tunnel_Listen_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "Transfer",
			Handler:       _Tunnel_Transfer_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "tunnel.proto",
}
