package duplex

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/livesync/engine/internal/eventbus"
	"github.com/livesync/engine/internal/events"
	"github.com/livesync/engine/internal/reqid"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/subscription"
	"github.com/livesync/engine/internal/transport/session"
)

// ServiceName and MethodName identify the bidi-streaming RPC the raw
// ServiceDesc below registers; no .proto file backs this service, since
// every message on the wire is opaque JSON per the package doc.
const (
	ServiceName = "livesync.Duplex"
	MethodName  = "Sync"
)

// Server dispatches gRPC bidi-stream frames through a
// session.Dispatcher, the same frame-handling logic internal/transport/ws
// uses for its websocket binding. It implements server.Pusher so
// server.Server.WithBroadcast can push BROADCAST frames back over it.
type Server struct {
	*session.Dispatcher
	log *zap.Logger
}

// New builds a Server dispatching frames against srv, registering
// subscriptions in subs. log may be nil (zap.NewNop() is used then).
func New(srv *server.Server, subs *subscription.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Dispatcher: session.New(srv, subs, log), log: log}
}

// Attach registers the duplex service on gs. Callers still own gs's
// lifecycle (Serve/GracefulStop); this only adds the one bidi method.
func (s *Server) Attach(gs *grpc.Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    MethodName,
				Handler:       s.streamHandler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "livesync/duplex",
	}, nil)
}

// conn adapts one gRPC stream to session.Conn: Send enqueues onto a
// channel a single writer goroutine drains, since a grpc.ServerStream
// isn't safe for concurrent SendMsg calls from multiple goroutines.
type conn struct {
	id   string
	send chan []byte
}

func (c *conn) ID() string { return c.id }
func (c *conn) Send(raw []byte) {
	select {
	case c.send <- raw:
	default:
	}
}

func (s *Server) streamHandler(_ any, stream grpc.ServerStream) error {
	ctx := stream.Context()
	c := &conn{id: uuid.NewString(), send: make(chan []byte, 64)}
	s.Register(c)
	defer s.Deregister(c)

	eventbus.Publish(ctx, events.ConnOpen{ConnID: c.id})
	s.log.Info("duplex connection opened", zap.String("connID", c.id))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range c.send {
			b := msg
			if err := stream.SendMsg(&b); err != nil {
				s.log.Warn("duplex write failed", zap.String("connID", c.id), zap.Error(err))
				return
			}
		}
	}()

	closeErr := s.readLoop(ctx, stream, c)

	close(c.send)
	wg.Wait()

	eventbus.Publish(ctx, events.ConnClose{ConnID: c.id, Err: closeErr})
	s.log.Info("duplex connection closed", zap.String("connID", c.id), zap.Error(closeErr))
	return closeErr
}

func (s *Server) readLoop(ctx context.Context, stream grpc.ServerStream, c *conn) error {
	for {
		var raw []byte
		if err := stream.RecvMsg(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		reqCtx, _ := reqid.NewContext(ctx)
		s.HandleFrame(reqCtx, c, raw)
	}
}
