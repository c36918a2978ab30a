package cmds

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func parseMessageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid message id %q", s)
	}
	return id, nil
}

type ConversationsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ConversationsCommand)(nil)

func NewConversationsCommand() *cobra.Command {
	description, err := newListDescription(
		"conversations",
		cmds.WithShort("List conversations, most recently modified first"),
	)
	cobra.CheckErr(err)
	cmd := buildListCommand(
		&ConversationsCommand{CommandDescription: description},
		newRenameCommand(),
		newDeleteConversationCommand(),
	)
	cmd.Aliases = []string{"ls"}
	return cmd
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	convs, err := a.manager.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		msgs, err := a.manager.GetMessages(ctx, conv.ID)
		if err != nil {
			return err
		}
		row := types.NewRow(
			types.MRP("id", conv.ID),
			types.MRP("name", truncate(conv.Name, 48)),
			// the hidden root is not a message
			types.MRP("messages", len(msgs)-1),
			types.MRP("current_node", conv.CurrentNode),
			types.MRP("last_modified", conv.LastModified),
			types.MRP("modified", humanize.Time(time.UnixMilli(conv.LastModified))),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func newRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conv-id> <name...>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.UpdateConversationName(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func newDeleteConversationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <conv-id>",
		Short: "Delete a conversation and all its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.DeleteConversation(cmd.Context(), args[0])
		},
	}
}

func NewShowCommand() *cobra.Command {
	var leaf int64
	cmd := &cobra.Command{
		Use:   "show <conv-id>",
		Short: "Print the branch ending at the current node (or --leaf)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			conv, err := a.manager.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if leaf == 0 {
				leaf = conv.CurrentNode
			}
			thread, err := a.manager.GetThread(ctx, conv.ID, leaf)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "# %s (%s)\n\n", conv.Name, conv.ID)
			for _, m := range thread {
				siblings, err := a.manager.SiblingLeafIDs(ctx, conv.ID, m.ID)
				if err != nil {
					return err
				}
				header := fmt.Sprintf("[%s #%d]", m.Role, m.ID)
				if len(siblings) > 1 {
					header += fmt.Sprintf(" (%d branches: %s)", len(siblings), joinIDs(siblings))
				}
				if m.Model != "" {
					header += " " + m.Model
				}
				_, _ = fmt.Fprintln(out, header)
				for _, e := range m.Extra {
					_, _ = fmt.Fprintf(out, "  attachment %s %s (%s)\n", e.Type, e.Name, humanize.Bytes(uint64(len(e.Content)+len(e.Base64URL))))
				}
				_, _ = fmt.Fprintf(out, "%s\n\n", m.Content.String())
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&leaf, "leaf", 0, "Leaf message id")
	return cmd
}

func NewBranchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "branch <conv-id> <message-id>",
		Short: "Copy the path ending at a message into a new conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgID, err := parseMessageID(args[1])
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.manager.BranchConversation(cmd.Context(), args[0], msgID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return err
		},
	}
}

func NewDeleteMessageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm-message <conv-id> <message-id>",
		Short: "Delete a message and everything below it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgID, err := parseMessageID(args[1])
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.DeleteMessage(cmd.Context(), args[0], msgID)
		},
	}
}

func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the tree structure of every conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			convs, err := a.manager.ListConversations(ctx)
			if err != nil {
				return err
			}
			failed := 0
			for _, c := range convs {
				msgs, err := a.manager.GetMessages(ctx, c.ID)
				if err != nil {
					return err
				}
				if err := conversation.ValidateTree(c, msgs); err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", c.ID, err)
				}
			}
			if failed > 0 {
				return errors.Errorf("%d of %d conversations are corrupt", failed, len(convs))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d conversations ok\n", len(convs))
			return err
		},
	}
}

func joinIDs(ids []int64) string {
	s := make([]string, 0, len(ids))
	for _, id := range ids {
		s = append(s, strconv.FormatInt(id, 10))
	}
	return strings.Join(s, ",")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
