// Command zitictl-probe is a thin CLI harness that drives pkg/zitisdk
// end-to-end against a real controller, for manual verification of a
// build. It performs version discovery, certificate login, and then lets
// the posture engine run its periodic tick until interrupted.
//
// Environment variables:
//
//	ZITICTL_CONTROLLER_URL   - controller base URL, e.g. "https://ctrl.example:1280"
//	ZITICTL_CLIENT_CERT      - path to the client certificate (PEM)
//	ZITICTL_CLIENT_KEY       - path to the client private key (PEM)
//	ZITICTL_CA_CERT          - path to the trusted CA bundle (PEM), optional
//	ZITICTL_PAGE_SIZE        - pagination page size (default 25)
//	ZITICTL_POSTURE_INTERVAL - posture tick period, e.g. "20s" (default 20s)
//	ZITICTL_STATIC_CATALOG   - path to a static YAML service catalog, optional
//	LOG_LEVEL                - "debug", "info" (default), "warn", "error"
//	LOG_FORMAT               - "json" or "text" (default)
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openziti/edge-client-go/internal/zitictl/envconfig"
	"github.com/openziti/edge-client-go/internal/zitictl/retry"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
	"github.com/openziti/edge-client-go/internal/zitictl/zlog"
	"github.com/openziti/edge-client-go/pkg/zitisdk"
)

func main() {
	zlog.Setup(envconfig.StringOr("LOG_LEVEL", "info"), envconfig.StringOr("LOG_FORMAT", "text"))

	fmt.Println("zitictl-probe: edge client core harness")

	ctrlURL := envconfig.StringOr("ZITICTL_CONTROLLER_URL", "")
	if ctrlURL == "" {
		fmt.Fprintln(os.Stderr, "Error: ZITICTL_CONTROLLER_URL is required")
		os.Exit(1)
	}

	tlsConfig, err := loadTLSConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var staticCatalog []byte
	if path := os.Getenv("ZITICTL_STATIC_CATALOG"); path != "" {
		staticCatalog, err = os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: reading static catalog: %v\n", err)
			os.Exit(1)
		}
	}

	sdk, err := zitisdk.New(zitisdk.Config{
		ControllerURL:   ctrlURL,
		TLSConfig:       tlsConfig,
		PageSize:        envconfig.IntOr("ZITICTL_PAGE_SIZE", 0),
		PostureInterval: envconfig.DurationOr("ZITICTL_POSTURE_INTERVAL", 20*time.Second),
		StaticCatalog:   staticCatalog,
		OnRedirect: func(newURL string) {
			slog.Info("zitictl-probe: controller rebind", "new_url", newURL)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize SDK: %v\n", err)
		os.Exit(1)
	}
	defer sdk.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The controller may still be starting when the harness launches; keep
	// retrying as long as the failure looks like an unreachable controller.
	bootstrap := retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, zerr.ErrControllerUnavailable)
		},
	}

	if err := retry.Do(ctx, bootstrap, func() error {
		_, err := sdk.Version(ctx)
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: version: %v\n", err)
		os.Exit(1)
	}

	if err := retry.Do(ctx, bootstrap, func() error {
		_, err := sdk.Login(ctx, zitisdk.LoginRequest{
			SDKInfo: map[string]string{"type": "zitictl-probe"},
		})
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: login: %v\n", err)
		os.Exit(1)
	}
	slog.Info("zitictl-probe: logged in, posture engine running")

	<-ctx.Done()
	slog.Info("zitictl-probe: shutting down")
}

func loadTLSConfig() (*tls.Config, error) {
	certPath := os.Getenv("ZITICTL_CLIENT_CERT")
	keyPath := os.Getenv("ZITICTL_CLIENT_KEY")
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if caPath := os.Getenv("ZITICTL_CA_CERT"); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from %s", caPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
