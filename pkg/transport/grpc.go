package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	claimMethod    = "/decentrilicense.Election/Claim"
	transferMethod = "/decentrilicense.Election/Transfer"
)

// ElectionServer is the server side of decentrilicense.Election. Payloads
// are JSON inside BytesValue so no generated stubs are needed.
type ElectionServer interface {
	Claim(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Transfer(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var electionServiceDesc = grpc.ServiceDesc{
	ServiceName: "decentrilicense.Election",
	HandlerType: (*ElectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Claim", Handler: claimHandler},
		{MethodName: "Transfer", Handler: transferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "decentrilicense/election.proto",
}

func claimHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ElectionServer).Claim(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: claimMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ElectionServer).Claim(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func transferHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ElectionServer).Transfer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transferMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ElectionServer).Transfer(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterElectionServer attaches h to s.
func RegisterElectionServer(s *grpc.Server, h Handler, logger *zap.Logger) {
	s.RegisterService(&electionServiceDesc, &electionServer{handler: h, logger: logger})
}

type electionServer struct {
	handler Handler
	logger  *zap.Logger
}

func (s *electionServer) Claim(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var c Claim
	if err := json.Unmarshal(in.GetValue(), &c); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed claim: %v", err)
	}
	if c.DeviceID == "" || c.LicenseCode == "" {
		return nil, status.Error(codes.InvalidArgument, "claim missing device or license")
	}

	res := s.handler.HandleClaim(ctx, c)
	s.logger.Debug("Served claim",
		zap.String("from", c.DeviceID),
		zap.Bool("accepted", res.Accepted))

	out, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode claim result: %v", err)
	}
	return wrapperspb.Bytes(out), nil
}

func (s *electionServer) Transfer(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var t Transfer
	if err := json.Unmarshal(in.GetValue(), &t); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed transfer: %v", err)
	}
	if t.FromDevice == "" || t.LicenseCode == "" || len(t.Token) == 0 {
		return nil, status.Error(codes.InvalidArgument, "transfer missing device, license or token")
	}

	ack := s.handler.HandleTransfer(ctx, t)
	s.logger.Info("Served token transfer",
		zap.String("from", t.FromDevice),
		zap.Bool("accepted", ack.Accepted),
		zap.String("reason", ack.Reason))

	out, err := json.Marshal(ack)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode transfer ack: %v", err)
	}
	return wrapperspb.Bytes(out), nil
}

// InvokeClaim sends c over an established connection.
func InvokeClaim(ctx context.Context, conn grpc.ClientConnInterface, c Claim) (ClaimResult, error) {
	var res ClaimResult
	if err := invoke(ctx, conn, claimMethod, c, &res); err != nil {
		return ClaimResult{}, err
	}
	return res, nil
}

// InvokeTransfer pushes t over an established connection.
func InvokeTransfer(ctx context.Context, conn grpc.ClientConnInterface, t Transfer) (TransferAck, error) {
	var ack TransferAck
	if err := invoke(ctx, conn, transferMethod, t, &ack); err != nil {
		return TransferAck{}, err
	}
	return ack, nil
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, method, wrapperspb.Bytes(payload), out); err != nil {
		return fmt.Errorf("%w: %s rpc: %v", ErrUnreachable, method, err)
	}

	if err := json.Unmarshal(out.GetValue(), resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}
