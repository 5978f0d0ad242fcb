package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "accountstream.AccountStream"

	SubscribeFullMethodName = "/" + ServiceName + "/Subscribe"
)

// AccountStreamServer is the server API for the AccountStream service.
type AccountStreamServer interface {
	Subscribe(*SubscribeRequest, AccountStream_SubscribeServer) error
}

// UnimplementedAccountStreamServer can be embedded to have forward
// compatible implementations.
type UnimplementedAccountStreamServer struct{}

func (UnimplementedAccountStreamServer) Subscribe(*SubscribeRequest, AccountStream_SubscribeServer) error {
	return status.Errorf(codes.Unimplemented, "method Subscribe not implemented")
}

// AccountStream_SubscribeServer is the server side of a Subscribe stream.
type AccountStream_SubscribeServer interface {
	Send(*Update) error
	grpc.ServerStream
}

type accountStreamSubscribeServer struct {
	grpc.ServerStream
}

func (x *accountStreamSubscribeServer) Send(m *Update) error {
	return x.ServerStream.SendMsg(m)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(SubscribeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AccountStreamServer).Subscribe(m, &accountStreamSubscribeServer{stream})
}

// AccountStream_ServiceDesc is the grpc.ServiceDesc for the AccountStream
// service.
var AccountStream_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AccountStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "protos/account_stream.proto",
}

// RegisterAccountStreamServer registers srv on s.
func RegisterAccountStreamServer(s grpc.ServiceRegistrar, srv AccountStreamServer) {
	s.RegisterService(&AccountStream_ServiceDesc, srv)
}

// AccountStreamClient is the client API for the AccountStream service.
type AccountStreamClient interface {
	Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (AccountStream_SubscribeClient, error)
}

type accountStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewAccountStreamClient returns a client that always selects the
// accountstream codec.
func NewAccountStreamClient(cc grpc.ClientConnInterface) AccountStreamClient {
	return &accountStreamClient{cc}
}

func (c *accountStreamClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (AccountStream_SubscribeClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &AccountStream_ServiceDesc.Streams[0], SubscribeFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &accountStreamSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// AccountStream_SubscribeClient is the client side of a Subscribe stream.
type AccountStream_SubscribeClient interface {
	Recv() (*Update, error)
	grpc.ClientStream
}

type accountStreamSubscribeClient struct {
	grpc.ClientStream
}

func (x *accountStreamSubscribeClient) Recv() (*Update, error) {
	m := new(Update)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
