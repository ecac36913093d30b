package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"groupsync/pkg/codec"
	"groupsync/pkg/models"
)

func newMessagesCmd(opts *inspectOptions) *cobra.Command {
	var limit int
	var kind string
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print the applied messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.MessageKind(kind) {
			case "", models.MessageKindApplication, models.MessageKindMembershipChange:
			default:
				return fmt.Errorf("unknown --kind %q", kind)
			}
			st, closeDB, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeDB()

			msgs, err := st.Messages(cmd.Context(), args[0], models.ListMessagesOptions{
				Limit: limit,
				Kind:  models.MessageKind(kind),
			})
			if err != nil {
				return err
			}
			codecs := codec.NewRegistry()
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "#%d\t%s\t%s\t%s\t%s\n",
					m.Position,
					time.Unix(0, m.SentAtNs).UTC().Format(time.RFC3339Nano),
					m.SenderInboxID,
					m.Kind,
					describe(codecs, m.Content),
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to print, 0 for all")
	cmd.Flags().StringVar(&kind, "kind", "", "only print application or membership_change messages")
	return cmd
}

func newMembersCmd(opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "members <conversation-id>",
		Short: "Print the member set of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeDB, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeDB()

			s, _, err := st.LoadConversation(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("conversation %s: %w", args[0], err)
			}
			if !s.Materialized {
				return fmt.Errorf("conversation %s has not been synced yet", args[0])
			}
			out := cmd.OutOrStdout()
			for _, m := range s.Members {
				fmt.Fprintf(out, "%s\t%s\tadded_by=%s\tinstallations=%d\n", m.InboxID, m.Role, m.AddedByInboxID, len(m.InstallationIDs))
			}
			return nil
		},
	}
}
