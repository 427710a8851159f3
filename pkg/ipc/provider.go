package ipc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"google.golang.org/grpc"

	"github.com/buildxl-go/buildxl/pkg/grpcutil"
	"github.com/buildxl-go/buildxl/pkg/logging"
)

// Provider implements pkg/executor's IPCProvider interface over this
// package's gRPC-with-raw-codec transport, dialing a fresh connection per
// call. A fresh dial per call (rather than a pooled, long-lived
// connection) matches the stateless "send(payload) -> result" contract of
// §6: the core never needs to keep a collaborator connection alive across
// pips.
type Provider struct {
	Logger *logging.Logger
}

// NewProvider constructs a Provider.
func NewProvider(logger *logging.Logger) *Provider {
	return &Provider{Logger: logger}
}

// Send dials connectionPath, issues a single Exchange call carrying
// payload, and returns the collaborator's response. It satisfies
// pkg/executor.IPCProvider.
func (p *Provider) Send(ctx context.Context, connectionPath string, payload []byte, timeout time.Duration) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx, connectionPath,
		grpc.WithInsecure(),
		grpc.WithContextDialer(DialContext),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(grpcutil.MaximumMessageSize)),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(grpcutil.MaximumMessageSize)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to dial ipc collaborator")
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			p.Logger.Warnf("ipc: unable to close collaborator connection: %v", closeErr)
		}
	}()

	result, err := callExchange(ctx, conn, payload)
	if err != nil {
		return nil, grpcutil.PeelAwayRPCErrorLayer(err)
	}
	return result, nil
}
