package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quics-go/internal/certutil"
	"quics-go/internal/dispatch"
	"quics-go/internal/logging"
	"quics-go/internal/resolver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quics-server",
		Short: "SOCKS5-to-QUIC tunneling proxy server",
		Long: `quics-server accepts QUIC connections from quics-client instances and
dials the TCP/UDP destinations they request, resolving domains itself.`,
		RunE: runServer,
	}

	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.Flags().String("listen", "0.0.0.0:4433", "address to accept QUIC connections on")
	cmd.Flags().String("tls-cert", "", "path to a TLS certificate (omit with --tls-key to generate a self-signed one)")
	cmd.Flags().String("tls-key", "", "path to the TLS certificate's private key")
	cmd.Flags().String("tls-sni", "", "hostname to embed in a generated self-signed certificate")
	cmd.Flags().String("tracing-level", "warn", "log level: trace, debug, info, warn, error")

	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen")
	tlsCertPath, _ := cmd.Flags().GetString("tls-cert")
	tlsKeyPath, _ := cmd.Flags().GetString("tls-key")
	tlsSNI, _ := cmd.Flags().GetString("tls-sni")
	tracingLevel, _ := cmd.Flags().GetString("tracing-level")

	logging.Init(tracingLevel, "quics-server")
	logger := log.With().Str("component", "main").Logger()

	cert, err := certutil.LoadOrGenerate(tlsCertPath, tlsKeyPath, tlsSNI)
	if err != nil {
		return err
	}
	if tlsCertPath == "" {
		logger.Warn().Msg("no --tls-cert/--tls-key given, using a generated self-signed certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3"},
	}
	quicConfig := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  time.Hour * 24 * 365,
		KeepAlivePeriod: 10 * time.Second,
	}

	listener, err := quic.ListenAddr(listenAddr, tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	defer listener.Close()

	res, err := resolver.NewDNSResolver()
	if err != nil {
		return fmt.Errorf("building resolver: %w", err)
	}

	d := dispatch.New(res)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("listen", listenAddr).Msg("quics-server starting")

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		go func() {
			if err := d.ServeConnection(ctx, conn); err != nil {
				logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection ended")
			}
		}()
	}
}
