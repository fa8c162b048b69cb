package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markb/tasklive/internal/app"
	"github.com/markb/tasklive/internal/auth"
	"github.com/markb/tasklive/internal/chat"
	"github.com/markb/tasklive/internal/presence"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// errQuit ends the chat loop without reporting a failure.
var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with another user",
	Long: `Opens the direct-message room shared with --peer (or any --room) and
relays lines from stdin as messages. Incoming messages, delivery status,
typing and unread counts are printed as they change.

Commands:
  /away   stop acknowledging messages as seen
  /back   acknowledge everything that arrived while away
  /seen   acknowledge the room now
  /who    list online users
  /quit   leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, _ := cmd.Flags().GetString("peer")
		room, _ := cmd.Flags().GetString("room")
		simple, _ := cmd.Flags().GetBool("simple-presence")
		if peer == "" && room == "" {
			return fmt.Errorf("either --peer or --room is required")
		}

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

		store := auth.NewStore()
		store.SignIn(session)

		cfg := app.DefaultConfig()
		cfg.SimpleChannel = simple
		a := app.New(store, sock, cfg)
		a.Start()
		defer a.Close()

		// Output piped away from a terminal is nobody looking at it.
		a.SetVisible(ctx, term.IsTerminal(int(os.Stdout.Fd())))

		var s *chat.Session
		if room != "" {
			s, err = a.OpenRoom(room)
		} else {
			s, err = a.OpenDirect(peer)
		}
		if err != nil {
			return err
		}
		defer a.CloseRoom(s.Room())

		c := &chatConsole{
			out:     cmd.OutOrStdout(),
			app:     a,
			session: s,
			self:    session.DisplayName(),
			events:  make(chan func(), 256),
		}
		return c.run(ctx, cmd.InOrStdin(), sock.Done())
	},
}

// chatConsole renders one room on a line-oriented terminal. Callbacks
// from the realtime layer are queued as events and printed by a single
// goroutine.
type chatConsole struct {
	out     io.Writer
	app     *app.App
	session *chat.Session
	self    string
	events  chan func()
}

func (c *chatConsole) emit(ctx context.Context, fn func()) {
	select {
	case c.events <- fn:
	case <-ctx.Done():
	}
}

func (c *chatConsole) run(ctx context.Context, in io.Reader, lost <-chan struct{}) error {
	g, ctx := errgroup.WithContext(ctx)

	unsubs := []func(){
		c.session.Subscribe(func(u chat.Update) { c.emit(ctx, func() { c.printUpdate(u) }) }),
		c.app.Unread().Subscribe(func(total int) {
			c.emit(ctx, func() { fmt.Fprintf(c.out, "* %d unread\n", total) })
		}),
		c.app.Presence().Subscribe(presence.GlobalChannel, func(users []presence.User) {
			c.emit(ctx, func() { fmt.Fprintf(c.out, "* %d online\n", len(users)) })
		}),
	}
	defer func() {
		for _, unsubscribe := range unsubs {
			unsubscribe()
		}
	}()

	fmt.Fprintf(c.out, "* %s joined %s\n", c.self, c.session.Room())
	for _, m := range c.session.Messages() {
		c.printMessage(m)
	}

	// The scanner cannot be interrupted, so it lives outside the group.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case fn := <-c.events:
				fn()
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := c.handleLine(ctx, line); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		select {
		case <-lost:
			return fmt.Errorf("connection to realtime server lost")
		case <-ctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func (c *chatConsole) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/away":
		c.app.SetVisible(ctx, false)
		c.emit(ctx, func() { fmt.Fprintln(c.out, "* away") })
	case "/back":
		c.app.SetVisible(ctx, true)
		c.emit(ctx, func() { fmt.Fprintln(c.out, "* back") })
	case "/seen":
		n := c.session.MarkSeen(ctx)
		c.emit(ctx, func() { fmt.Fprintf(c.out, "* acknowledged %d message(s)\n", n) })
	case "/who":
		users := c.app.Presence().Users(presence.GlobalChannel)
		c.emit(ctx, func() {
			for _, u := range users {
				fmt.Fprintf(c.out, "* %s (%s)\n", u.Username, u.ID)
			}
		})
	default:
		c.session.Keystroke()
		if !c.session.Send(ctx, line) {
			c.emit(ctx, func() { fmt.Fprintln(c.out, "* message not delivered") })
		}
	}
	return nil
}

func (c *chatConsole) printUpdate(u chat.Update) {
	switch u.Kind {
	case chat.UpdateMessage:
		c.printMessage(u.Message)
	case chat.UpdateStatus:
		if u.Message.User.Name == c.self {
			fmt.Fprintf(c.out, "  %s %s\n", shortID(u.Message.ID), u.Message.Status)
		}
	case chat.UpdateTyping:
		if len(u.Typing) > 0 {
			fmt.Fprintf(c.out, "* %s typing...\n", strings.Join(u.Typing, ", "))
		}
	case chat.UpdateState:
		fmt.Fprintf(c.out, "* %s\n", u.State)
	}
}

func (c *chatConsole) printMessage(m chat.Message) {
	at := m.CreatedAt
	if t, err := time.Parse(chat.TimeLayout, m.CreatedAt); err == nil {
		at = t.Local().Format("15:04:05")
	}
	line := fmt.Sprintf("[%s] %s: %s", at, m.User.Name, m.Content)
	if m.User.Name == c.self {
		line += fmt.Sprintf("  (%s %s)", shortID(m.ID), m.Status)
	}
	fmt.Fprintln(c.out, line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	rootCmd.AddCommand(chatCmd)
	addClientFlags(chatCmd)
	chatCmd.Flags().String("peer", "", "User id to open a direct-message room with")
	chatCmd.Flags().String("room", "", "Explicit room name instead of --peer")
	chatCmd.Flags().Bool("simple-presence", false, "Also go online on the "+presence.SimpleChannel+" channel")
}
