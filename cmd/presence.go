package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/markb/tasklive/internal/presence"
	"github.com/spf13/cobra"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Inspect presence channels",
}

var presenceWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Go online and print who else is online",
	Long: `Joins a presence channel as the token's user and prints the
reconciled online list every time it changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")

		session, err := clientSession(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sock, err := dialRealtime(ctx, cmd, session)
		if err != nil {
			return err
		}
		defer sock.Close()

		mgr := presence.NewManager(sock, presence.DefaultConfig())
		defer mgr.Close()

		out := cmd.OutOrStdout()
		unsubscribe := mgr.Subscribe(channel, func(users []presence.User) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, fmt.Sprintf("%s (%s)", u.Username, u.ID))
			}
			fmt.Fprintf(out, "%d online: %s\n", len(users), strings.Join(names, ", "))
		})
		defer unsubscribe()

		mgr.Connect(channel, session.UserID, presence.Meta{Username: session.DisplayName()})
		fmt.Fprintf(out, "Watching %s as %s\n", channel, session.DisplayName())

		select {
		case <-ctx.Done():
			mgr.Disconnect(channel)
			return nil
		case <-sock.Done():
			return fmt.Errorf("connection to realtime server lost")
		}
	},
}

func init() {
	rootCmd.AddCommand(presenceCmd)
	presenceCmd.AddCommand(presenceWatchCmd)
	addClientFlags(presenceWatchCmd)
	presenceWatchCmd.Flags().String("channel", presence.GlobalChannel, "Presence channel name")
}
