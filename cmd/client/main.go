package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quics-go/internal/logging"
	"quics-go/internal/socksedge"
	"quics-go/internal/supply"
	"quics-go/internal/tunnel"
)

var errNoActiveConnection = errors.New("client: no active tunnel connection")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quics-client",
		Short: "SOCKS5-to-QUIC tunneling proxy client",
		Long: `quics-client runs a local SOCKS5 listener and forwards every CONNECT
(and, optionally, UDP ASSOCIATE) it accepts over a QUIC connection to a
quics-server instance, reconnecting automatically if the tunnel drops.`,
		RunE: runClient,
	}

	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.Flags().String("remote", "", "address of the quics-server to tunnel through (required)")
	cmd.Flags().String("listen", "127.0.0.1:1080", "local address to accept SOCKS5 connections on")
	cmd.Flags().String("bind", "0.0.0.0:0", "local address to bind the outgoing QUIC socket to")
	cmd.Flags().String("tls-sni", "", "SNI hostname to present to the server (also the expected certificate name)")
	cmd.Flags().String("tls-cert", "", "path to a CA certificate to trust instead of skipping verification")
	cmd.Flags().Uint64("initial-congestion-window", 0, "initial congestion window in bytes (0 uses quic-go's default); tunes stream/connection receive windows since quic-go has no pluggable BBR controller")
	cmd.Flags().String("tracing-level", "warn", "log level: trace, debug, info, warn, error")
	cmd.Flags().String("bypass-file", "", "optional file of domain suffixes to dial directly instead of tunneling")
	cmd.MarkFlagRequired("remote")

	return cmd
}

func runClient(cmd *cobra.Command, _ []string) error {
	remote, _ := cmd.Flags().GetString("remote")
	listenAddr, _ := cmd.Flags().GetString("listen")
	bindAddr, _ := cmd.Flags().GetString("bind")
	tlsSNI, _ := cmd.Flags().GetString("tls-sni")
	tlsCertPath, _ := cmd.Flags().GetString("tls-cert")
	initialWindow, _ := cmd.Flags().GetUint64("initial-congestion-window")
	tracingLevel, _ := cmd.Flags().GetString("tracing-level")
	bypassFile, _ := cmd.Flags().GetString("bypass-file")

	logging.Init(tracingLevel, "quics-client")
	logger := log.With().Str("component", "main").Logger()

	var bypass *tunnel.BypassRouter
	if bypassFile != "" {
		var err error
		bypass, err = tunnel.LoadBypassFile(bypassFile)
		if err != nil {
			return fmt.Errorf("loading bypass file: %w", err)
		}
		logger.Info().Int("rules", bypass.RuleCount()).Msg("loaded bypass rules")
	}

	tlsConfig, err := buildClientTLSConfig(tlsSNI, tlsCertPath)
	if err != nil {
		return err
	}
	quicConfig := buildClientQUICConfig(initialWindow)

	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return fmt.Errorf("resolving bind address: %w", err)
	}
	udpSocket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("binding outgoing udp socket: %w", err)
	}
	defer udpSocket.Close()

	remoteUDPAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return fmt.Errorf("resolving remote address: %w", err)
	}

	tracker := newTrackingDialer(func(ctx context.Context) (quic.Connection, error) {
		return quic.Dial(ctx, udpSocket, remoteUDPAddr, tlsConfig, quicConfig)
	})

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("starting socks5 listener: %w", err)
	}
	defer listener.Close()
	logger.Info().Str("listen", listener.Addr().String()).Str("remote", remote).Msg("quics-client starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connSupply := supply.NewConnectionSupply(ctx, tracker, supply.DefaultBackoff())
	streamSupply := supply.NewStreamSupply(ctx, connSupply)

	edge := socksedge.NewEdge(listener, tracker)

	var dialer tunnel.Dialer
	if bypass != nil {
		dialer = tunnel.NetDialer{}
	}
	tn := tunnel.New(edge.Requests(), streamSupply, bypass, dialer)

	errCh := make(chan error, 2)
	go func() { errCh <- edge.Serve(ctx) }()
	go func() { errCh <- tn.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func buildClientTLSConfig(sni, caCertPath string) (*tls.Config, error) {
	cfg := &tls.Config{
		NextProtos: []string{"h3"},
		ServerName: sni,
	}
	if caCertPath == "" {
		// No CA was supplied to validate against -- the server side of
		// this tunnel typically presents a self-signed certificate
		// (internal/certutil), so there's nothing a real trust chain
		// could check anyway.
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading tls-cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls-cert %q contains no usable certificates", caCertPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func buildClientQUICConfig(initialWindow uint64) *quic.Config {
	cfg := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  time.Hour * 24 * 365,
		KeepAlivePeriod: 10 * time.Second,
	}

	// quic-go exposes no pluggable congestion controller, so
	// --initial-congestion-window widens the flow-control windows instead
	// of swapping the controller itself.
	if initialWindow > 0 {
		cfg.InitialStreamReceiveWindow = initialWindow
		cfg.InitialConnectionReceiveWindow = initialWindow * 2
		cfg.MaxStreamReceiveWindow = initialWindow * 8
		cfg.MaxConnectionReceiveWindow = initialWindow * 16
	}

	return cfg
}

// trackingDialer wraps the real dial function and remembers the most
// recently dialed connection, so UDP ASSOCIATE sessions (served by the
// SOCKS5 edge outside the stream supply's single-consumer pipeline)
// always reach the current connection instead of racing the stream
// supply for it.
type trackingDialer struct {
	dial    func(ctx context.Context) (quic.Connection, error)
	current atomic.Value
}

func newTrackingDialer(dial func(ctx context.Context) (quic.Connection, error)) *trackingDialer {
	return &trackingDialer{dial: dial}
}

func (t *trackingDialer) Dial(ctx context.Context) (quic.Connection, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.current.Store(conn)
	return conn, nil
}

func (t *trackingDialer) SendDatagram(b []byte) error {
	conn, ok := t.current.Load().(quic.Connection)
	if !ok {
		return errNoActiveConnection
	}
	return conn.SendDatagram(b)
}

func (t *trackingDialer) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	conn, ok := t.current.Load().(quic.Connection)
	if !ok {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil, errNoActiveConnection
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return conn.ReceiveDatagram(ctx)
}
