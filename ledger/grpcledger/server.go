package grpcledger

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Moon-Elf/ecotrace/ledger"
)

// Server exposes a ledger.Network over the ledger gRPC service.
type Server struct {
	UnimplementedLedgerServer
	Network ledger.Network
}

func (s *Server) ready() error {
	if s == nil || s.Network == nil {
		return status.Error(codes.FailedPrecondition, "missing ledger")
	}
	return nil
}

func (s *Server) ChainID(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := s.Network.ChainID(ctx)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return wrapperspb.String(id), nil
}

func (s *Server) Nonce(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	n, err := s.Network.Nonce(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return wrapperspb.UInt64(n), nil
}

func (s *Server) Submit(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var stx ledger.SignedTransaction
	if err := json.Unmarshal(in.GetValue(), &stx); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed signed transaction")
	}
	ref, err := s.Network.Submit(ctx, stx)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return wrapperspb.String(string(ref)), nil
}

func (s *Server) Await(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	hash, err := s.Network.Await(ctx, ledger.PendingRef(in.GetValue()))
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return wrapperspb.String(hash), nil
}

func (s *Server) Entry(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	e, err := s.Network.Entry(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode entry")
	}
	return wrapperspb.Bytes(b), nil
}
