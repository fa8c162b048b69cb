// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/markb/tasklive/internal/log"
	"github.com/markb/tasklive/internal/observability"
	"github.com/markb/tasklive/internal/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the development realtime server",
	Long: `Starts an HTTP server exposing a Phoenix v1 realtime endpoint with
broadcast and presence, plus health and stats routes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")
		origins, _ := cmd.Flags().GetStringSlice("allowed-origins")
		useHTTPS, _ := cmd.Flags().GetBool("https")

		cfg := server.DefaultConfig()
		cfg.JWTSecret = jwtSecret()
		cfg.AnonKey = os.Getenv("TASKLIVE_ANON_KEY")
		if key, _ := cmd.Flags().GetString("anon-key"); key != "" {
			cfg.AnonKey = key
		}
		if len(origins) > 0 {
			cfg.AllowedOrigins = origins
		}

		tel, cleanup, err := observability.Init(cmd.Context(), buildOTelConfig(cmd))
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()
		cfg.Telemetry = tel

		srv := server.New(cfg)
		addr := fmt.Sprintf("%s:%d", host, port)

		errc := make(chan error, 1)
		scheme := "ws"
		if useHTTPS {
			scheme = "wss"
			httpsCfg := server.HTTPSConfig{}
			httpsCfg.Domain, _ = cmd.Flags().GetString("domain")
			httpsCfg.CertDir, _ = cmd.Flags().GetString("cert-dir")
			httpsCfg.HTTPAddr, _ = cmd.Flags().GetString("http-addr")
			if err := server.ValidateDomain(httpsCfg.Domain); err != nil {
				return err
			}
			go func() { errc <- srv.ListenAndServeTLS(addr, httpsCfg) }()
		} else {
			go func() { errc <- srv.ListenAndServe(addr) }()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Starting tasklive realtime server on %s\n", addr)
		fmt.Fprintf(out, "  Realtime: %s://%s/realtime/v1/websocket\n", scheme, displayHost(host, port))
		fmt.Fprintf(out, "  Stats:    %s/realtime/v1/stats\n", strings.Replace(scheme, "ws", "http", 1)+"://"+displayHost(host, port))

		wait := gfshutdown.GracefulShutdown(
			context.Background(),
			shutdownTimeout,
			map[string]gfshutdown.Operation{
				"http-server": func(ctx context.Context) error {
					log.Info("server: graceful shutdown initiated")
					return srv.Shutdown(ctx)
				},
			},
		)

		select {
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case code := <-wait:
			if code != 0 {
				return fmt.Errorf("shutdown finished with exit code %d", code)
			}
			return nil
		}
	},
}

// buildOTelConfig creates an observability.Config from environment
// variables and CLI flags. Priority: CLI flags > environment variables > defaults
func buildOTelConfig(cmd *cobra.Command) *observability.Config {
	cfg := observability.NewConfig()
	cfg.ServiceVersion = Version
	cfg.ApplyEnv()

	if v, _ := cmd.Flags().GetString("otel-exporter"); v != "" {
		cfg.Exporter = v
		cfg.MetricsEnabled = v != "none"
		cfg.TracesEnabled = v != "none"
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if cmd.Flags().Changed("otel-sample-rate") {
		cfg.SampleRate, _ = cmd.Flags().GetFloat64("otel-sample-rate")
	}
	return cfg
}

func displayHost(host string, port int) string {
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().String("anon-key", "", "Static anon key accepted besides signed keys (env: TASKLIVE_ANON_KEY)")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "CORS origins (default: any)")
	serveCmd.Flags().Bool("https", false, "Serve HTTPS with a Let's Encrypt certificate")
	serveCmd.Flags().String("domain", "", "Public domain for the certificate (with --https)")
	serveCmd.Flags().String("cert-dir", "./certs", "Certificate cache directory (with --https)")
	serveCmd.Flags().String("http-addr", ":80", "ACME challenge and redirect address (with --https)")
	serveCmd.Flags().String("otel-exporter", "", "Telemetry exporter: none, stdout, otlp (env: TASKLIVE_OTEL_EXPORTER)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP gRPC endpoint (env: TASKLIVE_OTEL_ENDPOINT)")
	serveCmd.Flags().Float64("otel-sample-rate", 0.1, "Trace sampling rate (env: TASKLIVE_OTEL_SAMPLE_RATE)")
}
