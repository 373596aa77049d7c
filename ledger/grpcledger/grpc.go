package grpcledger

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// LedgerServer is the server API of the ledger service. Messages are
// protobuf well-known types; structured values travel as JSON bytes.
//
// Proto definition: ledger.proto.
type LedgerServer interface {
	ChainID(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Nonce(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error)
	Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	Await(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Entry(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

type UnimplementedLedgerServer struct{}

func (UnimplementedLedgerServer) ChainID(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method ChainID not implemented")
}
func (UnimplementedLedgerServer) Nonce(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method Nonce not implemented")
}
func (UnimplementedLedgerServer) Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedLedgerServer) Await(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Await not implemented")
}
func (UnimplementedLedgerServer) Entry(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Entry not implemented")
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&Ledger_ServiceDesc, srv)
}

type LedgerClient interface {
	ChainID(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Nonce(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error)
	Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Await(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Entry(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

const serviceName = "ecotrace.ledger.v1.Ledger"

type ledgerClient struct{ cc grpc.ClientConnInterface }

func NewLedgerClient(cc grpc.ClientConnInterface) LedgerClient { return &ledgerClient{cc: cc} }

func (c *ledgerClient) ChainID(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ChainID", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Nonce(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Nonce", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Await(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Await", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Entry(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Entry", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// unary builds a handler for one method; every method decodes into a fresh
// In and calls call on the registered server.
func unary[In any](method string, call func(LedgerServer, context.Context, *In) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*In))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var Ledger_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ChainID", Handler: unary("ChainID", func(s LedgerServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.ChainID(ctx, in)
		})},
		{MethodName: "Nonce", Handler: unary("Nonce", func(s LedgerServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Nonce(ctx, in)
		})},
		{MethodName: "Submit", Handler: unary("Submit", func(s LedgerServer, ctx context.Context, in *wrapperspb.BytesValue) (any, error) {
			return s.Submit(ctx, in)
		})},
		{MethodName: "Await", Handler: unary("Await", func(s LedgerServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Await(ctx, in)
		})},
		{MethodName: "Entry", Handler: unary("Entry", func(s LedgerServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Entry(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger.proto",
}
