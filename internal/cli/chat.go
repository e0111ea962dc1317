package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/chat"
	"github.com/roach88/lofi/internal/client"
	"github.com/roach88/lofi/internal/subscription"
)

// NewChatCommand creates the chat command group.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Create chats, send messages and follow threads",
		Long: `Chat commands write to the local store first. With --url set, queued
writes are delivered to the authority before the command exits (bounded
by --flush-timeout); anything left stays queued for the next run.`,
	}

	cmd.AddCommand(newChatCreateCommand(rootOpts))
	cmd.AddCommand(newChatRenameCommand(rootOpts))
	cmd.AddCommand(newChatSendCommand(rootOpts))
	cmd.AddCommand(newChatListCommand(rootOpts))
	cmd.AddCommand(newChatWatchCommand(rootOpts))

	return cmd
}

// withClient opens a client, runs fn and closes the client after the
// outbox drains.
func withClient(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := commandContext(cmd)
	c, err := opts.openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer opts.closeClient(ctx, cmd, c)
	return fn(ctx, c)
}

func newChatCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "create [name]",
		Short:         "Create a chat and print its id",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			f := opts.formatter(cmd)
			return withClient(opts, cmd, func(ctx context.Context, c *client.Client) error {
				id, err := chat.CreateChat(ctx, c, name)
				if err != nil {
					return f.fail(ExitFailure, "create failed", err)
				}
				e, err := c.Get(ctx, chat.Chats, id)
				if err != nil {
					return f.fail(ExitFailure, "create failed", err)
				}
				if f.Format == "json" {
					return f.Success(chat.ChatFrom(e))
				}
				return f.Success(id)
			})
		},
	}
}

func newChatRenameCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rename <chat-id> <name>",
		Short:         "Rename a chat",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return withClient(opts, cmd, func(ctx context.Context, c *client.Client) error {
				if err := chat.RenameChat(ctx, c, args[0], args[1]); err != nil {
					return f.fail(ExitFailure, "rename failed", err)
				}
				return f.Success(fmt.Sprintf("Renamed %s to %q", args[0], args[1]))
			})
		},
	}
}

func newChatSendCommand(opts *RootOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:           "send <chat-id> <text>",
		Short:         "Send a message",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return withClient(opts, cmd, func(ctx context.Context, c *client.Client) error {
				id, err := chat.SendMessage(ctx, c, args[0], user, args[1])
				if err != nil {
					return f.fail(ExitFailure, "send failed", err)
				}
				e, err := c.Get(ctx, chat.Messages, id)
				if err != nil {
					return f.fail(ExitFailure, "send failed", err)
				}
				return f.Success(chatMessage(chat.MessageFrom(e)))
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", defaultUser(), "sender name")
	return cmd
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

// ChatSummary is one row of `chat list`.
type ChatSummary struct {
	chat.Chat
	Snippet string `json:"snippet"`
}

type chatList []ChatSummary

func (l chatList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No chats.")
		return err
	}
	for _, s := range l {
		marker := ""
		if s.Pending {
			marker = " (pending)"
		}
		if _, err := fmt.Fprintf(w, "%s  %s%s\n    %s\n", s.ID, s.Name, marker, s.Snippet); err != nil {
			return err
		}
	}
	return nil
}

func newChatListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List chats with their latest message",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			return withClient(opts, cmd, func(ctx context.Context, c *client.Client) error {
				chats, err := c.Fetch(ctx, chat.ChatsQuery())
				if err != nil {
					return f.fail(ExitFailure, "list failed", err)
				}
				out := make(chatList, 0, len(chats))
				for _, e := range chats {
					latest, err := c.Fetch(ctx, chat.SnippetQuery(e.ID))
					if err != nil {
						return f.fail(ExitFailure, "list failed", err)
					}
					out = append(out, ChatSummary{Chat: chat.ChatFrom(e), Snippet: chat.Snippet(latest)})
				}
				return f.Success(out)
			})
		},
	}
}

type chatMessage chat.Message

func (m chatMessage) WriteText(w io.Writer) error {
	marker := ""
	if m.Pending {
		marker = " (sending)"
	}
	_, err := fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.User, m.Text, marker)
	return err
}

// thread is one delivery of `chat watch`.
type thread struct {
	ChatID   string         `json:"chatId"`
	Messages []chat.Message `json:"messages"`
}

func (t thread) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "--- %s (%d messages)\n", t.ChatID, len(t.Messages)); err != nil {
		return err
	}
	for _, m := range t.Messages {
		if err := chatMessage(m).WriteText(w); err != nil {
			return err
		}
	}
	return nil
}

func newChatWatchCommand(opts *RootOptions) *cobra.Command {
	var (
		limit int
		count int
	)

	cmd := &cobra.Command{
		Use:   "watch <chat-id>",
		Short: "Print a chat's latest messages and every change to them",
		Long: `Subscribe to the latest messages of a chat. The thread is printed once
and again on every change, local or synced, until interrupted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := opts.openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer opts.closeClient(context.WithoutCancel(ctx), cmd, c)

			deliveries := make(chan []chat.Message, 16)
			h, err := c.Subscribe(ctx, chat.MessagesQuery(args[0], limit), func(_ context.Context, snap subscription.Snapshot) {
				select {
				case deliveries <- chat.Thread(snap.Results):
				case <-ctx.Done():
				}
			})
			if err != nil {
				return f.fail(ExitFailure, "watch failed", err)
			}
			defer c.Unsubscribe(h)

			for seen := 0; count == 0 || seen < count; seen++ {
				select {
				case <-ctx.Done():
					return nil
				case msgs := <-deliveries:
					if err := f.Success(thread{ChatID: args[0], Messages: msgs}); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", chat.PageSize, "number of latest messages to show")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many updates (0: until interrupted)")
	return cmd
}
