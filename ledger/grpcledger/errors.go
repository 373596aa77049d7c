package grpcledger

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/Moon-Elf/ecotrace/ledger"
)

// txHashTrailer carries the hash of a reverted transaction.
const txHashTrailer = "ledger-tx-hash"

// mapErr converts a ledger error into a gRPC status for the wire.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var re *ledger.RejectedError
	switch {
	case errors.As(err, &re):
		if re.TxHash != "" {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(txHashTrailer, re.TxHash))
		}
		msg := re.Detail
		if msg == "" {
			msg = err.Error()
		}
		switch re.Reason {
		case ledger.UserRejected:
			return status.Error(codes.PermissionDenied, msg)
		case ledger.Reverted:
			return status.Error(codes.Aborted, msg)
		case ledger.NetworkTimeout:
			return status.Error(codes.DeadlineExceeded, msg)
		default:
			return status.Error(codes.Unavailable, msg)
		}
	case errors.Is(err, ledger.ErrUnknownTx):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrBadNonce):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrBadSignature):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, ledger.ErrWrongChain):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// mapRPC converts a gRPC error back into the ledger's error classes.
func mapRPC(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return ledger.Reject(ledger.NotConnected, err)
	}
	var txHash string
	if v := trailer.Get(txHashTrailer); len(v) > 0 {
		txHash = v[0]
	}
	switch st.Code() {
	case codes.PermissionDenied:
		return &ledger.RejectedError{Reason: ledger.UserRejected, TxHash: txHash, Detail: st.Message()}
	case codes.Aborted:
		return &ledger.RejectedError{Reason: ledger.Reverted, TxHash: txHash, Detail: st.Message()}
	case codes.DeadlineExceeded:
		return &ledger.RejectedError{Reason: ledger.NetworkTimeout, Detail: st.Message(), Err: context.DeadlineExceeded}
	case codes.Unavailable, codes.Canceled:
		return &ledger.RejectedError{Reason: ledger.NotConnected, Detail: st.Message(), Err: err}
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ledger.ErrUnknownTx, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ledger.ErrBadNonce, st.Message())
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ledger.ErrBadSignature, st.Message())
	case codes.OutOfRange:
		return fmt.Errorf("%w: %s", ledger.ErrWrongChain, st.Message())
	default:
		return err
	}
}
