package lookup

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ProductService_ProductInfo_FullMethodName = "/lookup.v1.ProductService/ProductInfo"
	BrokerService_BrokerInfo_FullMethodName   = "/lookup.v1.BrokerService/BrokerInfo"
)

// ProductServiceClient is the client API for ProductService.
type ProductServiceClient interface {
	ProductInfo(ctx context.Context, in *ProductInfoRequest, opts ...grpc.CallOption) (*ProductInfoReply, error)
}

type productServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewProductServiceClient(cc grpc.ClientConnInterface) ProductServiceClient {
	return &productServiceClient{cc}
}

func (c *productServiceClient) ProductInfo(ctx context.Context, in *ProductInfoRequest, opts ...grpc.CallOption) (*ProductInfoReply, error) {
	out := new(ProductInfoReply)
	err := c.cc.Invoke(ctx, ProductService_ProductInfo_FullMethodName, in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProductServiceServer is the server API for ProductService.
type ProductServiceServer interface {
	ProductInfo(context.Context, *ProductInfoRequest) (*ProductInfoReply, error)
}

// UnimplementedProductServiceServer can be embedded to have forward compatible implementations.
type UnimplementedProductServiceServer struct{}

func (UnimplementedProductServiceServer) ProductInfo(context.Context, *ProductInfoRequest) (*ProductInfoReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ProductInfo not implemented")
}

func RegisterProductServiceServer(s grpc.ServiceRegistrar, srv ProductServiceServer) {
	s.RegisterService(&ProductService_ServiceDesc, srv)
}

func _ProductService_ProductInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProductInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProductServiceServer).ProductInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ProductService_ProductInfo_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProductServiceServer).ProductInfo(ctx, req.(*ProductInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ProductService_ServiceDesc is the grpc.ServiceDesc for ProductService.
var ProductService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "lookup.v1.ProductService",
	HandlerType: (*ProductServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ProductInfo",
			Handler:    _ProductService_ProductInfo_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lookup/v1/lookup.proto",
}

// BrokerServiceClient is the client API for BrokerService.
type BrokerServiceClient interface {
	BrokerInfo(ctx context.Context, opts ...grpc.CallOption) (BrokerService_BrokerInfoClient, error)
}

type brokerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBrokerServiceClient(cc grpc.ClientConnInterface) BrokerServiceClient {
	return &brokerServiceClient{cc}
}

func (c *brokerServiceClient) BrokerInfo(ctx context.Context, opts ...grpc.CallOption) (BrokerService_BrokerInfoClient, error) {
	stream, err := c.cc.NewStream(ctx, &BrokerService_ServiceDesc.Streams[0], BrokerService_BrokerInfo_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &brokerServiceBrokerInfoClient{stream}, nil
}

type BrokerService_BrokerInfoClient interface {
	Send(*BrokerInfoRequest) error
	Recv() (*BrokerInfoReply, error)
	grpc.ClientStream
}

type brokerServiceBrokerInfoClient struct {
	grpc.ClientStream
}

func (x *brokerServiceBrokerInfoClient) Send(m *BrokerInfoRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *brokerServiceBrokerInfoClient) Recv() (*BrokerInfoReply, error) {
	m := new(BrokerInfoReply)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BrokerServiceServer is the server API for BrokerService.
type BrokerServiceServer interface {
	BrokerInfo(BrokerService_BrokerInfoServer) error
}

// UnimplementedBrokerServiceServer can be embedded to have forward compatible implementations.
type UnimplementedBrokerServiceServer struct{}

func (UnimplementedBrokerServiceServer) BrokerInfo(BrokerService_BrokerInfoServer) error {
	return status.Errorf(codes.Unimplemented, "method BrokerInfo not implemented")
}

func RegisterBrokerServiceServer(s grpc.ServiceRegistrar, srv BrokerServiceServer) {
	s.RegisterService(&BrokerService_ServiceDesc, srv)
}

func _BrokerService_BrokerInfo_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BrokerServiceServer).BrokerInfo(&brokerServiceBrokerInfoServer{stream})
}

type BrokerService_BrokerInfoServer interface {
	Send(*BrokerInfoReply) error
	Recv() (*BrokerInfoRequest, error)
	grpc.ServerStream
}

type brokerServiceBrokerInfoServer struct {
	grpc.ServerStream
}

func (x *brokerServiceBrokerInfoServer) Send(m *BrokerInfoReply) error {
	return x.ServerStream.SendMsg(m)
}

func (x *brokerServiceBrokerInfoServer) Recv() (*BrokerInfoRequest, error) {
	m := new(BrokerInfoRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BrokerService_ServiceDesc is the grpc.ServiceDesc for BrokerService.
var BrokerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "lookup.v1.BrokerService",
	HandlerType: (*BrokerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "BrokerInfo",
			Handler:       _BrokerService_BrokerInfo_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "lookup/v1/lookup.proto",
}
