package tunnelrpc

import (
	"context"

	"google.golang.org/grpc"
)

// UserClient is the client API for the User service.
type UserClient interface {
	Login(ctx context.Context, in *LoginBody, opts ...grpc.CallOption) (*LoginReply, error)
}

type userClient struct {
	cc grpc.ClientConnInterface
}

// NewUserClient returns a UserClient bound to cc.
func NewUserClient(cc grpc.ClientConnInterface) UserClient {
	return &userClient{cc}
}

func (c *userClient) Login(ctx context.Context, in *LoginBody, opts ...grpc.CallOption) (*LoginReply, error) {
	out := new(LoginReply)
	if err := c.cc.Invoke(ctx, UserLoginFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TunnelClient is the client API for the Tunnel service.
type TunnelClient interface {
	Listen(ctx context.Context, in *ListenParam, opts ...grpc.CallOption) (Tunnel_ListenClient, error)
	Transfer(ctx context.Context, opts ...grpc.CallOption) (Tunnel_TransferClient, error)
}

type tunnelClient struct {
	cc grpc.ClientConnInterface
}

// NewTunnelClient returns a TunnelClient bound to cc.
func NewTunnelClient(cc grpc.ClientConnInterface) TunnelClient {
	return &tunnelClient{cc}
}

func (c *tunnelClient) Listen(ctx context.Context, in *ListenParam, opts ...grpc.CallOption) (Tunnel_ListenClient, error) {
	stream, err := c.cc.NewStream(ctx, &Tunnel_ServiceDesc.Streams[0], TunnelListenFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &tunnelListenClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *tunnelClient) Transfer(ctx context.Context, opts ...grpc.CallOption) (Tunnel_TransferClient, error) {
	stream, err := c.cc.NewStream(ctx, &Tunnel_ServiceDesc.Streams[1], TunnelTransferFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &tunnelTransferClient{stream}, nil
}

// Tunnel_ListenClient is the client side of the Listen stream.
type Tunnel_ListenClient interface {
	Recv() (*ListenNotification, error)
	grpc.ClientStream
}

type tunnelListenClient struct {
	grpc.ClientStream
}

func (x *tunnelListenClient) Recv() (*ListenNotification, error) {
	m := new(ListenNotification)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Tunnel_TransferClient is the client side of the Transfer stream.
type Tunnel_TransferClient interface {
	Send(*TransferBody) error
	Recv() (*TransferReply, error)
	grpc.ClientStream
}

type tunnelTransferClient struct {
	grpc.ClientStream
}

func (x *tunnelTransferClient) Send(m *TransferBody) error {
	return x.ClientStream.SendMsg(m)
}

func (x *tunnelTransferClient) Recv() (*TransferReply, error) {
	m := new(TransferReply)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
