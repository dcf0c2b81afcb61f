package main

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/livesync/engine/internal/eventbus"
	"github.com/livesync/engine/internal/otelobs"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/sqlddl"
	"github.com/livesync/engine/internal/storage"
	"github.com/livesync/engine/internal/storage/memstore"
	"github.com/livesync/engine/internal/storage/sqlstore"
	"github.com/livesync/engine/internal/subscription"
	"github.com/livesync/engine/internal/transport/duplex"
	"github.com/livesync/engine/internal/transport/httptransport"
	"github.com/livesync/engine/internal/transport/ws"
)

const rootUsage = `livesyncd — live synchronization engine server & tools

USAGE:
  livesyncd <command> [flags]

COMMANDS:
  serve     Run the HTTP/WS/gRPC sync server over the board/card demo schema
  gen-ddl   Print the SQL DDL for the board/card demo schema
  help      Show help for any command
`

const serveUsage = `serve FLAGS:
  -http.addr <addr>    HTTP (query/mutate + websocket) listen address (default: :8080)
  -grpc.addr <addr>    gRPC duplex listen address (default: :8081)
  -sqlite <path>       Back storage with a modernc.org/sqlite file instead of memstore
  -otel.endpoint <addr> OTLP collector endpoint
  -otel.service <name> OpenTelemetry service name (default: livesyncd)
`

const genDDLUsage = `gen-ddl FLAGS:
  -out <file>  Write DDL to file (default: stdout)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("livesyncd", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "gen-ddl":
		return cmdGenDDL(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "gen-ddl":
		fmt.Print(genDDLUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func cmdGenDDL(args []string) error {
	outFile := ""
	fs := flag.NewFlagSet("gen-ddl", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write DDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, genDDLUsage)
		return err
	}

	sch, err := demoSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	ddl := sqlddl.Render(sch)
	if outFile == "" {
		fmt.Print(ddl)
		return nil
	}
	return os.WriteFile(outFile, []byte(ddl), 0644)
}

func cmdServe(args []string) error {
	httpAddr := ":8080"
	grpcAddr := ":8081"
	sqlitePath := ""
	otelEndpoint := ""
	otelService := "livesyncd"

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&httpAddr, "http.addr", httpAddr, "HTTP listen address")
	fs.StringVar(&grpcAddr, "grpc.addr", grpcAddr, "gRPC listen address")
	fs.StringVar(&sqlitePath, "sqlite", sqlitePath, "modernc.org/sqlite file path")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = log.Sync() }()

	eventbus.Use(eventbus.New())
	shutdown, err := otelobs.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	sch, err := demoSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}

	store, err := openStore(sqlitePath, sch)
	if err != nil {
		return err
	}

	authFailures := router.NewRateMeter(time.Minute)
	srv := server.New().WithLogger(log)
	srv.Register(router.NewRoute("board", sch, store).WithLogger(log).WithRateMeter(authFailures))
	srv.Register(router.NewRoute("card", sch, store).WithLogger(log).WithRateMeter(authFailures))

	subs := subscription.NewRegistry()
	dplx := duplex.New(srv, subs, log)
	wsHandler := ws.New(srv, subs, log)
	srv.WithBroadcast(subs, combinedPusher{dplx, wsHandler})

	mux := http.NewServeMux()
	mux.Handle("/", httptransport.New(srv))
	mux.Handle("/ws", wsHandler)

	gs := grpc.NewServer()
	dplx.Attach(gs)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	defer gs.GracefulStop()

	log.Info("livesyncd listening", zap.String("http", httpAddr), zap.String("grpc", grpcAddr))
	return http.ListenAndServe(httpAddr, mux)
}

// combinedPusher fans a BROADCAST out through whichever binding actually
// holds connID: ws and duplex each keep their own connection registry, so
// a single Server.WithBroadcast pusher needs to pick the right one.
type combinedPusher struct {
	dplx *duplex.Server
	ws   *ws.Handler
}

func (p combinedPusher) Push(ctx context.Context, connID string, ev server.BroadcastEvent) error {
	if p.dplx.Has(connID) {
		return p.dplx.Push(ctx, connID, ev)
	}
	return p.ws.Push(ctx, connID, ev)
}

// openStore backs every collection in sch with one Storage: the sqlite
// database file at sqlitePath when it is set, memstore otherwise. One instance
// serves every Route, exactly as internal/storage's adapters are shaped
// (collection-keyed, not one-store-per-collection).
func openStore(sqlitePath string, sch *schema.Schema) (storage.Storage, error) {
	if sqlitePath == "" {
		return memstore.New(sch), nil
	}
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := sqlstore.EnsureSchema(context.Background(), db, sch); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return sqlstore.Open(db, sch), nil
}
