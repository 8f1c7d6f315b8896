// Command tentaclenode is a minimal embedding example: it brings up a
// tentacle.Service speaking one echo protocol, optionally dialing a peer,
// and logs every lifecycle event until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nodecore-network/tentacle"
	"github.com/nodecore-network/tentacle/transport/muxsession"
	"github.com/nodecore-network/tentacle/transport/noise"
)

func main() {
	var (
		listenAddr = flag.String("listen", "/ip4/0.0.0.0/tcp/0", "multiaddress to listen on")
		dialAddr   = flag.String("dial", "", "multiaddress of a peer to dial on startup")
		runForever = flag.Bool("forever", false, "keep the reactor alive with no sessions or listeners")
		devLog     = flag.Bool("dev", false, "use zap's development logging config")
	)
	flag.Parse()

	logger, err := buildLogger(*devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tentaclenode: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *listenAddr, *dialAddr, *runForever); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, listenAddr, dialAddr string, runForever bool) error {
	keyPair, err := tentacle.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}
	logger.Info("identity generated", zap.Stringer("public_key", keyPair.PublicKey()))

	echo := &echoProtocol{logger: logger}

	svc, err := tentacle.New(tentacle.Config{
		Protocols: []tentacle.ProtocolMeta{
			{
				ID:                1,
				Name:              "echo",
				SupportedVersions: []string{"1.0.0"},
				SessionHandle:     func() tentacle.SessionProtocol { return echo },
			},
		},
		Handle:         &logHandle{logger: logger},
		KeyPair:        keyPair,
		Transformer:    noise.New(nil),
		SessionFactory: muxsession.New(),
		RunForever:     runForever,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}

	addr, err := tentacle.ParseAddr(listenAddr)
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}
	bound, err := svc.Listen(addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	logger.Info("listening", zap.Stringer("address", bound))

	if dialAddr != "" {
		target, err := tentacle.ParseAddr(dialAddr)
		if err != nil {
			return fmt.Errorf("parsing dial address: %w", err)
		}
		svc.Dial(target)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return svc.Run(ctx)
}

// echoProtocol is a trivial SessionProtocol that logs its lifecycle
// callbacks and the size of every message it receives. It sends nothing
// back to the peer.
type echoProtocol struct {
	logger *zap.Logger
	ctx    *tentacle.ServiceContext
}

func (e *echoProtocol) Connected(ctx *tentacle.ServiceContext, session *tentacle.SessionContext, version string) {
	e.logger.Info("echo peer connected", zap.Uint64("session", uint64(session.ID)), zap.String("version", version))
}

func (e *echoProtocol) Disconnected(ctx *tentacle.ServiceContext) {
	e.logger.Info("echo peer disconnected")
}

func (e *echoProtocol) Received(ctx *tentacle.ServiceContext, data []byte) {
	e.logger.Info("echo received", zap.Int("bytes", len(data)))
}

func (e *echoProtocol) Notify(ctx *tentacle.ServiceContext, token tentacle.NotifyToken) {}

// logHandle is a ServiceHandle that only logs.
type logHandle struct {
	logger *zap.Logger
}

func (h *logHandle) HandleEvent(ctx *tentacle.ServiceContext, event tentacle.ServiceEvent) {
	h.logger.Info("service event", zap.Int("kind", int(event.Kind)), zap.Uint64("session", uint64(event.ID)))
}

func (h *logHandle) HandleError(ctx *tentacle.ServiceContext, err tentacle.ServiceError) {
	h.logger.Warn("service error", zap.Error(err))
}
