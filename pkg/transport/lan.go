package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"decentrilicense/pkg/auth"
	"decentrilicense/pkg/config"
	"decentrilicense/pkg/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

type LANConfig struct {
	BindAddress string
	// UDPPort and TCPPort of 0 pick free ports.
	UDPPort uint16
	TCPPort uint16
	// Targets are the UDP host:port destinations of each beacon, normally
	// the broadcast addresses at the shared discovery port.
	Targets      []string
	ClaimTimeout time.Duration
	// TLS secures the claim channel when enabled.
	TLS auth.Config
}

// LANConfigFrom derives transport settings from a client config.
func LANConfigFrom(cfg *config.Config) LANConfig {
	targets := make([]string, 0, len(cfg.BroadcastAddrs))
	for _, addr := range cfg.BroadcastAddrs {
		targets = append(targets, net.JoinHostPort(addr, strconv.Itoa(int(cfg.UDPPort))))
	}
	return LANConfig{
		BindAddress:  cfg.BindAddress,
		UDPPort:      cfg.UDPPort,
		TCPPort:      cfg.TCPPort,
		Targets:      targets,
		ClaimTimeout: cfg.ClaimTimeout,
		TLS:          cfg.TLS,
	}
}

// LAN is the socket-backed Transport.
type LAN struct {
	mu sync.RWMutex

	cfg    LANConfig
	logger *zap.Logger

	udp        *net.UDPConn
	listener   net.Listener
	grpcServer *grpc.Server
	clientCred credentials.TransportCredentials

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewLAN(cfg LANConfig, logger *zap.Logger) *LAN {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = config.DefaultBindAddress
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = config.DefaultClaimTimeout
	}
	return &LAN{cfg: cfg, logger: logger}
}

// Start binds both sockets and serves h until Close or ctx ends.
func (l *LAN) Start(ctx context.Context, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.udp != nil {
		return errors.New("transport already started")
	}

	tlsBuilder, err := auth.NewTLSConfigBuilder(l.cfg.TLS)
	if err != nil {
		return fmt.Errorf("failed to load TLS material: %w", err)
	}

	bindIP := net.ParseIP(l.cfg.BindAddress)
	if bindIP == nil {
		return fmt.Errorf("invalid bind address %q", l.cfg.BindAddress)
	}

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: int(l.cfg.UDPPort)})
	if err != nil {
		return fmt.Errorf("failed to bind discovery port: %w", err)
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(l.cfg.BindAddress, strconv.Itoa(int(l.cfg.TCPPort))))
	if err != nil {
		udp.Close()
		return fmt.Errorf("failed to bind claim port: %w", err)
	}

	srv := grpc.NewServer(shared.ServerOptions(tlsBuilder.ServerCredentials())...)
	RegisterElectionServer(srv, h, l.logger)

	runCtx, cancel := context.WithCancel(ctx)
	l.udp, l.listener, l.grpcServer, l.cancel = udp, lis, srv, cancel
	l.clientCred = tlsBuilder.ClientCredentials()

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			l.logger.Warn("Claim server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer l.wg.Done()
		l.serveDiscovery(runCtx, udp, h)
	}()
	go func() {
		<-runCtx.Done()
		l.Close()
	}()

	l.logger.Info("LAN transport started",
		zap.String("udp", udp.LocalAddr().String()),
		zap.String("tcp", lis.Addr().String()),
		zap.Bool("tls", tlsBuilder.Enabled()))
	return nil
}

func (l *LAN) serveDiscovery(ctx context.Context, conn *net.UDPConn, h Handler) {
	buf := make([]byte, MaxFrameSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Debug("Discovery read failed", zap.Error(err))
			continue
		}

		typ, b, err := decodeBeacon(buf[:n])
		if err != nil {
			l.logger.Debug("Dropped malformed datagram", zap.String("from", src.String()), zap.Error(err))
			continue
		}
		if typ != MsgDiscovery {
			continue
		}

		reply, ok := h.HandleDiscover(ctx, b)
		if !ok {
			continue
		}
		reply.Nonce = b.Nonce
		reply.ClaimPort = l.claimPort()
		reply.Timestamp = time.Now().Unix()

		frame, err := EncodeFrame(MsgDiscoveryResponse, reply)
		if err != nil {
			l.logger.Warn("Failed to encode discovery reply", zap.Error(err))
			continue
		}
		if _, err := conn.WriteToUDP(frame, src); err != nil {
			l.logger.Debug("Failed to send discovery reply", zap.String("to", src.String()), zap.Error(err))
		}
	}
}

// Discover sends b from a fresh socket and reads replies on it. One
// goroutine reads, the other ends the read at the window deadline.
func (l *LAN) Discover(ctx context.Context, b Beacon, window time.Duration, expected int) ([]Beacon, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	if l.udp == nil {
		l.mu.RUnlock()
		return nil, ErrNotStarted
	}
	targets := append([]string(nil), l.cfg.Targets...)
	l.mu.RUnlock()

	if b.Nonce == "" {
		b.Nonce = uuid.NewString()
	}
	b.ClaimPort = l.claimPort()
	b.Timestamp = time.Now().Unix()

	frame, err := EncodeFrame(MsgDiscovery, b)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(l.cfg.BindAddress)})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open discovery socket: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	var sent int
	var sendErr error
	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err == nil {
			_, err = conn.WriteToUDP(frame, addr)
		}
		if err != nil {
			l.logger.Debug("Failed to send beacon", zap.String("target", target), zap.Error(err))
			sendErr = err
			continue
		}
		sent++
	}
	if sent == 0 && sendErr != nil {
		return nil, fmt.Errorf("%w: failed to send discovery beacon: %v", ErrUnreachable, sendErr)
	}

	var replies []Beacon
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-gctx.Done():
		case <-done:
		}
		return conn.SetReadDeadline(time.Now())
	})

	g.Go(func() error {
		defer close(done)
		buf := make([]byte, MaxFrameSize)
		seen := make(map[string]bool)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					return nil
				}
				return fmt.Errorf("failed to read discovery replies: %w", err)
			}

			typ, r, err := decodeBeacon(buf[:n])
			if err != nil || typ != MsgDiscoveryResponse || r.Nonce != b.Nonce {
				continue
			}
			if r.DeviceID == "" || r.DeviceID == b.DeviceID || seen[r.DeviceID] {
				continue
			}
			seen[r.DeviceID] = true
			r.Addr = net.JoinHostPort(src.IP.String(), strconv.Itoa(int(r.ClaimPort)))
			replies = append(replies, r)

			if expected > 0 && len(replies) >= expected {
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return replies, err
	}
	if err := ctx.Err(); err != nil {
		return replies, err
	}
	return replies, nil
}

func (l *LAN) Claim(ctx context.Context, addr string, c Claim) (ClaimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ClaimTimeout)
	defer cancel()

	l.mu.RLock()
	creds := l.clientCred
	l.mu.RUnlock()

	conn, err := shared.DialWithTimeout(ctx, addr, l.cfg.ClaimTimeout, creds)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	return InvokeClaim(ctx, conn, c)
}

// Transfer pushes a token export to the peer serving claims at addr.
func (l *LAN) Transfer(ctx context.Context, addr string, t Transfer) (TransferAck, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ClaimTimeout)
	defer cancel()

	l.mu.RLock()
	creds := l.clientCred
	l.mu.RUnlock()

	conn, err := shared.DialWithTimeout(ctx, addr, l.cfg.ClaimTimeout, creds)
	if err != nil {
		return TransferAck{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	return InvokeTransfer(ctx, conn, t)
}

// SetTargets replaces the beacon destinations.
func (l *LAN) SetTargets(targets []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Targets = append([]string(nil), targets...)
}

// UDPAddr is the bound discovery address, empty before Start.
func (l *LAN) UDPAddr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.udp == nil {
		return ""
	}
	return l.udp.LocalAddr().String()
}

// ClaimAddr is the bound gRPC address, empty before Start.
func (l *LAN) ClaimAddr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

func (l *LAN) claimPort() uint16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listener == nil {
		return 0
	}
	if tcp, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

func (l *LAN) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel, srv, udp := l.cancel, l.grpcServer, l.udp
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		srv.Stop()
	}
	var err error
	if udp != nil {
		err = udp.Close()
	}
	l.wg.Wait()
	return err
}
