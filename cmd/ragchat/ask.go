package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/client"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/events"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/session"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/store"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/streaming"
)

const chatTopic = "chat"

func newAskCommand() *cobra.Command {
	var mode string
	var noStream bool
	var chatID string

	cmd := &cobra.Command{
		Use:   "ask QUERY",
		Short: "Ask a question about your documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]

			kv, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			conversations := store.NewConversationStore(kv)
			backend := backendClient(kv)

			if chatID != "" {
				if _, err := conversations.GetConversation(chatID); err != nil {
					return errors.Wrapf(err, "conversation %s", chatID)
				}
				if err := conversations.SetActive(chatID); err != nil {
					return err
				}
			}

			if noStream {
				return askInvoke(cmd.Context(), conversations, backend, query)
			}
			return askStream(cmd.Context(), conversations, backend, query, streaming.Mode(mode))
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(streaming.ModeSSE), "Streaming mode (sse, chunk)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Fetch the whole answer in one request")
	cmd.Flags().StringVar(&chatID, "chat", "", "Target conversation id (default: active conversation)")
	return cmd
}

// askInvoke is the non-streaming escape hatch: one request, one
// complete answer, persisted the same way a stream would be.
func askInvoke(ctx context.Context, conversations *store.ConversationStore, backend *client.Client, query string) error {
	conv, err := conversations.ActiveConversation()
	if err != nil {
		return err
	}
	if err := conversations.AppendMessage(conv.ID, chat.NewUserMessage(query)); err != nil {
		return err
	}

	resp, err := backend.Invoke(ctx, query)
	if err != nil {
		errMsg := chat.Message{Sender: chat.SenderBot, Text: fmt.Sprintf("Error: %s", err), IsError: true}
		_ = conversations.AppendMessage(conv.ID, errMsg)
		return err
	}

	answer := chat.Message{Sender: chat.SenderBot, Text: resp.Answer, Sources: resp.Sources}
	if err := conversations.AppendMessage(conv.ID, answer); err != nil {
		return err
	}

	renderFinal(backend, answer)
	return nil
}

func askStream(ctx context.Context, conversations *store.ConversationStore, backend *client.Client, query string, mode streaming.Mode) error {
	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}

	// One handler both prints and watches for the terminal event, so
	// the final output (sources footer included) is flushed before the
	// channel fires and the router gets closed.
	terminal := make(chan struct{})
	router.AddHandler("printer", chatTopic,
		printingTerminalHandler(os.Stdout, func() { close(terminal) }))

	sink := events.NewWatermillSink(router.Publisher, chatTopic)
	controller := session.NewController(conversations,
		func(m streaming.Mode) (streaming.Transport, error) {
			return streaming.NewTransport(m, streaming.Config{
				BaseURL: backend.BaseURL,
				Token:   backend.Token,
			})
		},
		session.WithSinks(sink),
		session.WithTitler(backend),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(egCtx)
	})

	<-router.Running()

	if err := controller.Send(ctx, query, mode); err != nil {
		cancel()
		_ = eg.Wait()
		return err
	}

	select {
	case <-terminal:
	case <-egCtx.Done():
	}

	_ = router.Close()
	cancel()
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// The printer already wrote the raw tokens; on a terminal the
	// finalized answer gets a markdown re-render on top.
	if isatty.IsTerminal(os.Stdout.Fd()) {
		conv, err := conversations.ActiveConversation()
		if err != nil {
			return err
		}
		if last := conv.LastMessage(); last != nil && !last.IsError {
			renderFinal(backend, *last)
		}
	}
	return nil
}

// printingTerminalHandler streams events to w and calls done once,
// after a terminal event has been fully printed.
func printingTerminalHandler(w io.Writer, done func()) func(*message.Message) error {
	printer := events.StepPrinterFunc("", w)
	var once sync.Once
	return func(msg *message.Message) error {
		if err := printer(msg); err != nil {
			return err
		}
		if e, err := events.NewEventFromJson(msg.Payload); err == nil && events.IsTerminal(e.Type()) {
			once.Do(done)
		}
		return nil
	}
}

// renderFinal renders a finalized answer: markdown through glamour
// when stdout is a terminal, plain text otherwise, followed by the
// citation footer.
func renderFinal(backend *client.Client, msg chat.Message) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err == nil {
			if out, err := r.Render(msg.Text); err == nil {
				fmt.Print(out)
			}
		}
	} else {
		fmt.Println(msg.Text)
	}

	for _, s := range msg.Sources {
		loc := s.FileName
		if s.PageNumber != nil {
			loc = fmt.Sprintf("%s p.%d", loc, *s.PageNumber)
		}
		fmt.Printf("  [%s] %s\n", s.Type, loc)
		if s.ImagePath != "" {
			fmt.Printf("      %s\n", backend.ImageURL(s.ImagePath))
		}
	}
}
