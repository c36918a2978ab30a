package cmds

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/events"
	"github.com/go-go-golems/chattree/pkg/helpers"
	"github.com/go-go-golems/chattree/pkg/session"
	"github.com/go-go-golems/chattree/pkg/streaming"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type generationFlags struct {
	printEvents   bool
	showReasoning bool
	showMetadata  bool
}

func addGenerationFlags(cmd *cobra.Command, f *generationFlags) {
	cmd.Flags().BoolVar(&f.printEvents, "print-events", false, "Print raw events as JSON instead of the streamed text")
	cmd.Flags().BoolVar(&f.showReasoning, "show-reasoning", false, "Print reasoning text")
	cmd.Flags().BoolVar(&f.showMetadata, "show-metadata", false, "Print model and timings after the answer")
}

// startFunc starts a generation through the controller. A nil handle with
// accepted set means there is nothing to stream.
type startFunc func(ctx context.Context, c *session.Controller) (h *session.Reply, accepted bool, err error)

// runGeneration wires the controller to an event router printing to w, then
// runs start. Ctrl-C stops the generation and keeps what was streamed.
func runGeneration(ctx context.Context, a *app, f *generationFlags, w io.Writer, start startFunc) error {
	router, err := events.NewEventRouter(events.WithLogger(helpers.NewWatermill(log.Logger)))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()
	if f.printEvents {
		router.AddHandler("raw", events.DefaultTopic, router.DumpRawEvents(w))
	} else {
		router.AddHandler("printer", events.DefaultTopic, events.StepPrinterFunc(events.PrinterOptions{
			ShowReasoning: f.showReasoning,
			ShowMetadata:  f.showMetadata,
		}, w))
	}

	registry := prometheus.NewRegistry()
	metrics := streaming.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return err
	}

	coordinator := streaming.NewCoordinator(a.manager, a.provider(),
		streaming.WithAllocator(a.allocator),
		streaming.WithModel(a.settings.Model),
		streaming.WithSystemPrompt(a.settings.SystemPrompt),
		streaming.WithProviderOptions(a.providerOptions()),
		streaming.WithSink(router.Sink(events.DefaultTopic)),
		streaming.WithMetrics(metrics),
	)
	controller := session.NewController(a.manager, coordinator, session.WithAllocator(a.allocator))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})

	if addr := a.settings.MetricsAddr; addr != "" {
		server := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			err := server.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		defer cancel()
		<-router.Running()

		h, accepted, err := start(ctx, controller)
		if err != nil {
			return err
		}
		if !accepted {
			return conversation.ErrGenerationActive
		}
		if h == nil {
			return nil
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			log.Info().Str("conv_id", h.ConvID).Msg("stopping generation, keeping partial answer")
			controller.StopGenerating(h.ConvID)
		case <-h.Finished():
		}

		res, err := h.Await(context.Background())
		if err != nil {
			return err
		}
		msgID := res.MessageID()
		log.Info().
			Str("conv_id", h.ConvID).
			Str("outcome", string(res.Outcome)).
			Int64("message_id", msgID).
			Msg("generation finished")
		_, err = fmt.Fprintf(os.Stderr, "%s %s message=%d\n", h.ConvID, res.Outcome, msgID)
		return err
	})

	return eg.Wait()
}

func NewSendCommand() *cobra.Command {
	var (
		convID string
		files  []string
		images []string
		gf     generationFlags
	)
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message and stream the answer (reads stdin without arguments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimSpace(string(b))
			}
			if text == "" {
				return errors.New("empty message")
			}
			extra, err := loadAttachments(files, images)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			return runGeneration(cmd.Context(), a, &gf, cmd.OutOrStdout(),
				func(ctx context.Context, c *session.Controller) (*session.Reply, bool, error) {
					return c.SendMessage(ctx, convID, text, extra)
				})
		},
	}
	cmd.Flags().StringVar(&convID, "conv", "", "Conversation id (default: start a new conversation)")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Attach a text file")
	cmd.Flags().StringSliceVar(&images, "image", nil, "Attach an image file")
	addGenerationFlags(cmd, &gf)
	return cmd
}

func NewReplaceCommand() *cobra.Command {
	var (
		regenerate bool
		gf         generationFlags
	)
	cmd := &cobra.Command{
		Use:   "edit <conv-id> <message-id> [text...]",
		Short: "Edit a message into a new branch, or regenerate an answer with --regenerate",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID := args[0]
			msgID, err := parseMessageID(args[1])
			if err != nil {
				return err
			}
			text := strings.Join(args[2:], " ")
			if !regenerate && text == "" {
				return errors.New("empty message")
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			return runGeneration(cmd.Context(), a, &gf, cmd.OutOrStdout(),
				func(ctx context.Context, c *session.Controller) (*session.Reply, bool, error) {
					if regenerate {
						return c.RegenerateMessage(ctx, convID, msgID)
					}
					return c.ReplaceMessage(ctx, convID, msgID, text, nil)
				})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Generate a new sibling for an assistant message")
	addGenerationFlags(cmd, &gf)
	return cmd
}

func loadAttachments(files []string, images []string) ([]conversation.Extra, error) {
	var ret []conversation.Extra
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		ret = append(ret, conversation.Extra{
			Type:    conversation.ExtraTypeTextFile,
			Name:    filepath.Base(path),
			Content: string(b),
		})
	}
	for _, path := range images {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = http.DetectContentType(b)
		}
		ret = append(ret, conversation.Extra{
			Type:      conversation.ExtraTypeImageFile,
			Name:      filepath.Base(path),
			MimeType:  mimeType,
			Base64URL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(b)),
		})
	}
	return ret, nil
}
