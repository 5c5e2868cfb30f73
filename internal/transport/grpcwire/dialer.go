package grpcwire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/protocol/session"
	"github.com/danmuck/sxutil/internal/transport"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

var ErrConnShutdown = errors.New("grpcwire: connection shut down")

func init() {
	encoding.RegisterCodec(protocol.Codec{})
}

// Dialer opens gRPC connections toward directory and exchange services.
type Dialer struct {
	cfg   session.Config
	extra []grpc.DialOption
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer using cfg for TLS, readiness timeout and retry.
// Extra options are appended after the defaults.
func NewDialer(cfg session.Config, extra ...grpc.DialOption) *Dialer {
	return &Dialer{cfg: cfg.WithDefaults(), extra: extra}
}

func (d *Dialer) DialDirectory(ctx context.Context, addr string) (transport.Directory, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &directoryClient{conn: conn}, nil
}

func (d *Dialer) DialExchange(ctx context.Context, addr string) (transport.Exchange, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &exchangeClient{conn: conn}, nil
}

func (d *Dialer) dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, transport.ErrAddrMissing
	}
	opts, err := d.options(addr)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := grpc.NewClient(addr, opts...)
		if err == nil {
			if err = waitReady(ctx, conn, d.cfg.ConnectTimeout); err == nil {
				log.Debug().Str("addr", addr).Int("attempt", attempt).Msg("grpcwire.Dialer connected")
				return conn, nil
			}
			_ = conn.Close()
		}
		lastErr = err
		log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("grpcwire.Dialer connect failed")

		if d.cfg.MaxConnectAttempts > 0 && attempt >= d.cfg.MaxConnectAttempts {
			break
		}
		delay := session.NextBackoffDelay(d.cfg.Backoff, attempt, nil)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("grpcwire: dial %s: %w", addr, lastErr)
}

func (d *Dialer) options(addr string) ([]grpc.DialOption, error) {
	if err := d.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	creds := insecure.NewCredentials()
	if d.cfg.TLS.Enabled {
		tlsCfg, err := d.cfg.ClientTLSConfig(addr)
		if err != nil {
			return nil, fmt.Errorf("grpcwire: tls config: %w", err)
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
	}
	return append(opts, d.extra...), nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return ErrConnShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("%w (last state %s)", ctx.Err(), state)
		}
	}
}
