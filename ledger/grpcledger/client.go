// Package grpcledger carries ledger.Network over gRPC, so custody services
// and the ledger daemon can run in separate processes.
package grpcledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Moon-Elf/ecotrace/ledger"
)

// Client implements ledger.Network against a remote ledger daemon.
type Client struct {
	cc     *grpc.ClientConn
	client LedgerClient

	// Timeout bounds every RPC except Await, which the caller bounds.
	Timeout time.Duration
}

var _ ledger.Network = (*Client)(nil)

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout     time.Duration
	MaxMsgBytes int
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
			grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
		))
	}
	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, ledger.Reject(ledger.NotConnected, err)
	}
	return NewClient(cc), nil
}

// NewClient wraps an existing connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewLedgerClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *Client) ChainID(ctx context.Context) (string, error) {
	ctx, cancel := c.rpcCtx(ctx)
	defer cancel()
	var md metadata.MD
	out, err := c.client.ChainID(ctx, &emptypb.Empty{}, grpc.Trailer(&md))
	if err != nil {
		return "", mapRPC(err, md)
	}
	return out.GetValue(), nil
}

func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	ctx, cancel := c.rpcCtx(ctx)
	defer cancel()
	var md metadata.MD
	out, err := c.client.Nonce(ctx, wrapperspb.String(address), grpc.Trailer(&md))
	if err != nil {
		return 0, mapRPC(err, md)
	}
	return out.GetValue(), nil
}

func (c *Client) Submit(ctx context.Context, stx ledger.SignedTransaction) (ledger.PendingRef, error) {
	b, err := json.Marshal(stx)
	if err != nil {
		return "", fmt.Errorf("grpcledger: encode transaction: %w", err)
	}
	ctx, cancel := c.rpcCtx(ctx)
	defer cancel()
	var md metadata.MD
	out, err := c.client.Submit(ctx, wrapperspb.Bytes(b), grpc.Trailer(&md))
	if err != nil {
		return "", mapRPC(err, md)
	}
	return ledger.PendingRef(out.GetValue()), nil
}

func (c *Client) Await(ctx context.Context, ref ledger.PendingRef) (string, error) {
	var md metadata.MD
	out, err := c.client.Await(ctx, wrapperspb.String(string(ref)), grpc.Trailer(&md))
	if err != nil {
		return "", mapRPC(err, md)
	}
	return out.GetValue(), nil
}

func (c *Client) Entry(ctx context.Context, txHash string) (ledger.Entry, error) {
	ctx, cancel := c.rpcCtx(ctx)
	defer cancel()
	var md metadata.MD
	out, err := c.client.Entry(ctx, wrapperspb.String(txHash), grpc.Trailer(&md))
	if err != nil {
		return ledger.Entry{}, mapRPC(err, md)
	}
	var e ledger.Entry
	if err := json.Unmarshal(out.GetValue(), &e); err != nil {
		return ledger.Entry{}, fmt.Errorf("grpcledger: decode entry: %w", err)
	}
	return e, nil
}
