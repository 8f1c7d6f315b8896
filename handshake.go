package tentacle

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// HandshakeTransformer is the pluggable encrypted-handshake collaborator
// (spec.md §1 "out of scope"): it turns a raw byte stream into an
// authenticated one and yields the remote static public key. See
// transport/noise for a concrete implementation.
type HandshakeTransformer interface {
	Handshake(ctx context.Context, conn net.Conn, keyPair *KeyPair, direction Direction) (authenticated net.Conn, remote PublicKey, err error)
}

// handshakeDriver spawns handshake tasks and posts their outcome into the
// reactor's inbox (spec.md §4.3). When transformer/keyPair are nil, the
// caller (Service.drive) bypasses the driver entirely and opens the
// session immediately with no remote public key.
type handshakeDriver struct {
	transformer HandshakeTransformer
	keyPair     *KeyPair
	timeout     time.Duration
	sem         *semaphore.Weighted
	logger      *zap.Logger
}

func newHandshakeDriver(transformer HandshakeTransformer, keyPair *KeyPair, timeout time.Duration, maxConcurrent int64, logger *zap.Logger) *handshakeDriver {
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	return &handshakeDriver{
		transformer: transformer,
		keyPair:     keyPair,
		timeout:     timeout,
		sem:         semaphore.NewWeighted(maxConcurrent),
		logger:      logger,
	}
}

// drive spawns a handshake task for conn onto wg, posting exactly one
// HandshakeSuccess or HandshakeFail SessionEvent into inbox on completion
// (spec.md §4.3).
func (h *handshakeDriver) drive(conn net.Conn, address Addr, direction Direction, inbox chan<- SessionEvent, wg *errgroup.Group) {
	wg.Go(func() error {
		if err := h.sem.Acquire(context.Background(), 1); err != nil {
			_ = conn.Close()
			return nil
		}
		defer h.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		authConn, remote, err := h.transformer.Handshake(ctx, conn, h.keyPair, direction)
		if err != nil {
			kind := classifyHandshakeErr(ctx, err)
			h.logger.Debug("handshake failed", zap.Stringer("address", address), zap.Stringer("direction", direction), zap.Error(err))
			inbox <- SessionEvent{
				Kind:      EvHandshakeFail,
				Direction: direction,
				Address:   address,
				Err:       &Error{Kind: kind, Err: err},
			}
			return nil
		}

		inbox <- SessionEvent{
			Kind:         EvHandshakeSuccess,
			Direction:    direction,
			Address:      address,
			Conn:         authConn,
			RemotePubKey: remote,
		}
		return nil
	})
}

// classifyHandshakeErr implements the timer/elapsed/transport
// classification of spec.md §4.1/§4.3: a context deadline is TimedOut,
// everything else is HandshakeFailed. Go's timers do not themselves
// fail the way spec.md's KindTimer envisions (a tokio timer-subsystem
// error); that kind exists for API completeness but is not reachable here.
func classifyHandshakeErr(ctx context.Context, err error) Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimedOut
	}
	return KindHandshakeFailed
}
