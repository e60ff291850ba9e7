package shared

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// DefaultGRPCTimeout bounds a dial when the caller sets no deadline.
	DefaultGRPCTimeout = 30 * time.Second

	// MaxMessageSize caps claim payloads; tokens with long usage chains stay well below it.
	MaxMessageSize = 4 * 1024 * 1024
)

// Dial opens a gRPC connection to a LAN peer. Nil creds mean plaintext;
// claims are still authenticated by token and device signatures.
func Dial(ctx context.Context, addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	return DialWithTimeout(ctx, addr, DefaultGRPCTimeout, creds)
}

// DialWithTimeout blocks until the connection is ready or timeout elapses.
func DialWithTimeout(ctx context.Context, addr string, timeout time.Duration, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// ServerOptions are the options every decentrilicense gRPC server uses.
func ServerOptions(creds credentials.TransportCredentials) []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	return opts
}
