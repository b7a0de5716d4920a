package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/chat"
	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/models"
)

func newAskCmd(app func() *app) *cobra.Command {
	params := &struct {
		ThreadID string
	}{}

	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if err := a.requireLogin(); err != nil {
				return err
			}

			store := a.userStore()
			if params.ThreadID != "" {
				if err := openThread(cmd.Context(), store, params.ThreadID); err != nil {
					return err
				}
			}
			return ask(cmd.Context(), cmd.OutOrStdout(), a.bus, store, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&params.ThreadID, "thread", "t", "", "continue a stored thread")
	return cmd
}

func newChatCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if err := a.requireLogin(); err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			store := a.userStore()
			if err := store.Load(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Hello %s. Type /help for commands.\n", a.session.Username())
			if _, isNew := store.Selected(); isNew {
				a.printSuggestions(ctx, out)
			}

			in := bufio.NewReader(cmd.InOrStdin())
			for ctx.Err() == nil {
				line, err := prompt(out, in, "> ")
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}

				switch {
				case line == "":
				case line == "/quit" || line == "/exit":
					return nil
				case line == "/help":
					fmt.Fprintln(out, "/new  /threads  /use <id>  /quit")
				case line == "/new":
					store.NewThread()
					fmt.Fprintln(out, "New conversation.")
					a.printSuggestions(ctx, out)
				case line == "/threads":
					if err := printThreads(ctx, out, store); err != nil {
						return err
					}
				case strings.HasPrefix(line, "/use "):
					if err := store.SelectThread(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/use "))); err != nil {
						fmt.Fprintf(out, "Cannot open thread: %v\n", err)
					}
				default:
					if err := ask(ctx, out, a.bus, store, line); err != nil && errors.Is(err, errors.ErrUnauthorized) {
						return err
					}
				}
			}
			return nil
		},
	}
}

func newHistoryCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show past questions grouped by day",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if err := a.requireLogin(); err != nil {
				return err
			}

			ctx := cmd.Context()
			store := a.userStore()
			if err := store.LoadHistory(ctx); err != nil {
				return err
			}

			threads, err := store.Threads(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(threads) == 0 {
				fmt.Fprintln(out, "No history yet.")
				return nil
			}
			for _, t := range threads {
				fmt.Fprintf(out, "== %s (%s)\n", t.Name, t.ID)
				msgs, err := store.Messages(ctx, t.ID)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(out, "[%s] %s %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.ID, m.Sender, m.Output)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newThreadsCmd(app func() *app) *cobra.Command {
	params := &struct {
		Refresh bool
	}{}

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List conversations by age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if !params.Refresh && a.cfg.Database.UseInMemory {
				return errors.Wrapf(errors.ErrInvalidConfig, "--refresh=false needs database storage, in-memory storage starts empty")
			}
			store := a.userStore()
			if params.Refresh {
				if err := a.requireLogin(); err != nil {
					return err
				}
				if err := store.Load(cmd.Context()); err != nil {
					return err
				}
			}
			return printThreads(cmd.Context(), cmd.OutOrStdout(), store)
		},
	}

	cmd.Flags().BoolVar(&params.Refresh, "refresh", true, "reload threads from the server first")
	return cmd
}

// openThread selects threadID, reloading threads from the server when the
// storage does not know it. In-memory storage starts empty on every run.
func openThread(ctx context.Context, store *chat.Store, threadID string) error {
	err := store.SelectThread(ctx, threadID)
	if !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return err
	}
	return store.SelectThread(ctx, threadID)
}

// printSuggestions lists the prompts offered for an empty conversation.
// Failures only leave the list out.
func (a *app) printSuggestions(ctx context.Context, out io.Writer) {
	suggestions, err := a.client.Suggestions(ctx)
	if err != nil {
		a.logger.Debug("No suggestions", zap.Error(err))
		return
	}
	if len(suggestions) == 0 {
		return
	}
	fmt.Fprintln(out, "Try asking:")
	for _, s := range suggestions {
		fmt.Fprintf(out, "  - %s\n", s)
	}
}

func newFeedbackCmd(app func() *app) *cobra.Command {
	params := &struct {
		Reason string
	}{}

	cmd := &cobra.Command{
		Use:   "feedback <thread-id> <message-id> up|down [comment...]",
		Short: "Vote on an answer (ids are listed by history)",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if !a.cfg.Features.EnableFeedback {
				return errors.Wrapf(errors.ErrNotImplemented, "feedback is disabled")
			}
			if err := a.requireLogin(); err != nil {
				return err
			}

			var vote bool
			switch strings.ToLower(args[2]) {
			case "up":
				vote = true
			case "down":
			default:
				return errors.Wrapf(errors.ErrInvalidConfig, "vote must be up or down, got %q", args[2])
			}

			fb := copilot.Feedback{
				Vote:    vote,
				Comment: strings.Join(args[3:], " "),
				Reason:  params.Reason,
			}
			if err := a.userStore().Feedback(cmd.Context(), args[0], args[1], fb); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Thanks for the feedback.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&params.Reason, "reason", "r", "", "reason code, e.g. CORRECT or INCOMPLETE")
	return cmd
}

func printThreads(ctx context.Context, out io.Writer, store *chat.Store) error {
	threads, err := store.Threads(ctx)
	if err != nil {
		return err
	}
	selected, _ := store.Selected()
	for _, g := range store.Groups(threads) {
		fmt.Fprintf(out, "%s\n", g.Label)
		if len(g.Threads) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		for _, t := range g.Threads {
			marker := " "
			if t.ID == selected {
				marker = "*"
			}
			fmt.Fprintf(out, " %s %-28s %s\n", marker, t.Name, t.ID)
		}
	}
	return nil
}

// ask sends text and prints the answer as it streams in.
func ask(ctx context.Context, out io.Writer, bus *events.Bus, store *chat.Store, text string) error {
	p := &streamPrinter{out: out, owner: store.Owner()}
	unsubscribe := bus.Subscribe(p.handle, events.MessageUpdated)
	defer unsubscribe()

	return p.finish(store.Send(ctx, text))
}

type streamPrinter struct {
	out   io.Writer
	owner string

	mu      sync.Mutex
	printed string
}

func (p *streamPrinter) handle(e events.Event) {
	if e.Owner != p.owner || e.Message == nil || !e.Message.IsLoading() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(e.Message.Output, p.printed) {
		fmt.Fprint(p.out, e.Message.Output[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+e.Message.Output)
	}
	p.printed = e.Message.Output
}

func (p *streamPrinter) finish(msg *models.Message, err error) error {
	p.mu.Lock()
	printed := p.printed
	p.printed = ""
	p.mu.Unlock()

	if msg == nil {
		return err
	}

	switch {
	case msg.Kind == models.KindFile:
		return p.saveFile(msg.File)
	case msg.State == models.StateError:
		fmt.Fprintf(p.out, "\n%s\n", msg.Output)
		return err
	case msg.State == models.StateCancelled:
		fmt.Fprintln(p.out, "\n(cancelled)")
		return nil
	case msg.Output != printed:
		if printed != "" {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintln(p.out, msg.Output)
	default:
		fmt.Fprintln(p.out)
	}
	return nil
}

// saveFile writes a file answer into the working directory.
func (p *streamPrinter) saveFile(file *models.FilePayload) error {
	data, err := file.Decode()
	if err != nil {
		return err
	}
	name := filepath.Base(file.Filename)
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to save %s", name)
	}
	fmt.Fprintf(p.out, "%s\nSaved %s (%s)\n", file.Caption(), name, humanize.Bytes(uint64(len(data))))
	return nil
}
