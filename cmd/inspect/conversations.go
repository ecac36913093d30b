package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newConversationsCmd(opts *inspectOptions) *cobra.Command {
	var includeShells bool
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List known conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeDB, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeDB()

			states, err := st.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			shown := 0
			for _, s := range states {
				if !s.Materialized && !includeShells {
					continue
				}
				cursor, err := st.Cursor(cmd.Context(), s.ID)
				if err != nil {
					return err
				}
				shown++
				if !s.Materialized {
					fmt.Fprintf(out, "%s\tshell\tcursor=%d\n", s.ID, cursor)
					continue
				}
				fmt.Fprintf(out, "%s\tcreated=%s\tactive=%t\tmembers=%d\tcursor=%d\tname=%q\n",
					s.ID,
					time.Unix(0, s.CreatedAtNs).UTC().Format(time.RFC3339),
					s.IsActive,
					len(s.Members),
					cursor,
					s.Metadata.GroupName(),
				)
			}
			fmt.Fprintf(out, "%d conversation(s)\n", shown)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeShells, "shells", false, "include discovered conversations not yet synced")
	return cmd
}
