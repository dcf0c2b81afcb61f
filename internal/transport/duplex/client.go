package duplex

import (
	"context"

	"google.golang.org/grpc"
)

// streamDesc is the client-side counterpart of the StreamDesc Attach
// registers server-side; grpc.ClientConn.NewStream needs its own copy to
// invoke the bidi method.
var streamDesc = &grpc.StreamDesc{
	StreamName:    MethodName,
	ServerStreams: true,
	ClientStreams: true,
}

// Stream is the minimal client-facing handle internal/client's duplex
// binding needs: send a raw frame, receive the next one, and close.
type Stream interface {
	Send(raw []byte) error
	Recv() ([]byte, error)
	CloseSend() error
}

// clientStream adapts a grpc.ClientStream to Stream, using the same
// opaque-[]byte codec the server registers (CodecName).
type clientStream struct {
	grpc.ClientStream
}

func (c *clientStream) Send(raw []byte) error {
	b := raw
	return c.ClientStream.SendMsg(&b)
}

func (c *clientStream) Recv() ([]byte, error) {
	var raw []byte
	if err := c.ClientStream.RecvMsg(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Dial opens a new duplex stream against cc's /livesync.Duplex/Sync
// method, forcing the CodecName codec so frames travel as opaque JSON
// bytes rather than being protobuf-marshaled.
func Dial(ctx context.Context, cc *grpc.ClientConn) (Stream, error) {
	method := "/" + ServiceName + "/" + MethodName
	cs, err := cc.NewStream(ctx, streamDesc, method, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &clientStream{ClientStream: cs}, nil
}
