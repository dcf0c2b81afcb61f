package client

import (
	"context"

	"google.golang.org/grpc"

	"github.com/livesync/engine/internal/transport/duplex"
)

// grpcTransport adapts a duplex.Stream to Transport; CloseSend is the
// closest duplex offers to a half-close, which is what a client dropping
// its end of a still-healthy connection actually wants.
type grpcTransport struct {
	stream duplex.Stream
}

func (t *grpcTransport) Send(raw []byte) error { return t.stream.Send(raw) }
func (t *grpcTransport) Recv() ([]byte, error) { return t.stream.Recv() }
func (t *grpcTransport) Close() error          { return t.stream.CloseSend() }

// DialGRPC builds a Dialer that opens a fresh duplex stream over cc for
// every Connect/Reconnect call (spec.md §4.9's reconnection: a new stream
// each attempt, not a reused one).
func DialGRPC(cc *grpc.ClientConn) Dialer {
	return func(ctx context.Context) (Transport, error) {
		stream, err := duplex.Dial(ctx, cc)
		if err != nil {
			return nil, err
		}
		return &grpcTransport{stream: stream}, nil
	}
}
