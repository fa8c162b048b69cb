package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/markb/tasklive/internal/auth"
	"github.com/markb/tasklive/internal/transport"
	"github.com/spf13/cobra"
)

const defaultRealtimeURL = "ws://localhost:8080/realtime/v1/websocket"

// addClientFlags registers the connection flags shared by client commands.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Realtime websocket URL (env: TASKLIVE_URL)")
	cmd.Flags().String("anon-key", "", "API key (env: TASKLIVE_ANON_KEY)")
	cmd.Flags().String("token", "", "User access token (env: TASKLIVE_ACCESS_TOKEN)")
}

// flagOrEnv returns the flag value, falling back to the environment.
func flagOrEnv(cmd *cobra.Command, flag, env, def string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// clientSession reads the access token and the identity it carries. The
// server verifies the signature; the client only needs the claims.
func clientSession(cmd *cobra.Command) (auth.Session, error) {
	token := flagOrEnv(cmd, "token", "TASKLIVE_ACCESS_TOKEN", "")
	if token == "" {
		return auth.Session{}, fmt.Errorf("an access token is required: pass --token or set TASKLIVE_ACCESS_TOKEN (see 'tasklive token')")
	}
	session, err := auth.ParseUnverified(token)
	if err != nil {
		return auth.Session{}, fmt.Errorf("failed to read access token: %w", err)
	}
	return session, nil
}

// dialRealtime opens the realtime socket described by the client flags.
func dialRealtime(ctx context.Context, cmd *cobra.Command, session auth.Session) (*transport.Socket, error) {
	cfg := transport.DefaultSocketConfig()
	cfg.URL = flagOrEnv(cmd, "url", "TASKLIVE_URL", defaultRealtimeURL)
	cfg.APIKey = flagOrEnv(cmd, "anon-key", "TASKLIVE_ANON_KEY", "")
	cfg.AccessToken = session.AccessToken
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("an API key is required: pass --anon-key or set TASKLIVE_ANON_KEY (see 'tasklive keys generate')")
	}

	sock, err := transport.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return sock, nil
}
