package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	configpkg "gfxlab/broker/internal/config"
	grpcstream "gfxlab/broker/internal/grpc"
	"gfxlab/broker/internal/logging"
)

// configureGRPCSecurity translates the auth mode into server options. The
// returned bool reports whether the listener speaks TLS.
func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, bool, error) {
	if cfg == nil {
		return nil, false, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}

	switch cfg.GRPCAuthMode {
	case configpkg.GRPCAuthModeNone, "":
		logger.Warn("gRPC authentication disabled")
		return nil, false, nil
	case configpkg.GRPCAuthModeMTLS:
		creds, err := loadMTLSCredentials(cfg.GRPCServerCertPath, cfg.GRPCServerKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, false, err
		}
		logger.Info("gRPC mTLS enabled")
		return []grpc.ServerOption{grpc.Creds(creds)}, true, nil
	case configpkg.GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			return nil, false, fmt.Errorf("shared secret required for grpc auth mode %q", cfg.GRPCAuthMode)
		}
		logger.Info("gRPC shared-secret authentication enabled")
		return []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(grpcstream.NewSharedSecretUnaryInterceptor(cfg.GRPCSharedSecret)),
			grpc.ChainStreamInterceptor(grpcstream.NewSharedSecretStreamInterceptor(cfg.GRPCSharedSecret)),
		}, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported grpc auth mode %q", cfg.GRPCAuthMode)
	}
}

func loadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("client ca bundle %s holds no certificates", caPath)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
