package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"groupsync/pkg/codec"
	"groupsync/pkg/models"
	"groupsync/pkg/state"
	"groupsync/pkg/store"
	"groupsync/pkg/store/encryption"
	"groupsync/pkg/store/kv"
)

var version = "dev"

// inspectOptions are the persistent flags shared by every subcommand.
type inspectOptions struct {
	dbPath        string
	masterKeyHex  string
	masterKeyFile string
}

// newRootCmd builds the command tree. Each call returns a fresh tree so tests
// can run commands in isolation.
func newRootCmd() *cobra.Command {
	opts := &inspectOptions{}
	root := &cobra.Command{
		Use:   "groupsync-inspect",
		Short: "Read-only inspection of a groupsync local store",
		Long: `groupsync-inspect opens the local store of a stopped groupsync
client read-only and prints its conversations, members and messages.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&opts.dbPath, "db", "./.groupsync", "client db path (the directory holding store/)")
	root.PersistentFlags().StringVar(&opts.masterKeyHex, "master-key-hex", "", "hex master key, when the store is encrypted")
	root.PersistentFlags().StringVar(&opts.masterKeyFile, "master-key-file", "", "file holding the hex master key")

	root.AddCommand(newConversationsCmd(opts))
	root.AddCommand(newMessagesCmd(opts))
	root.AddCommand(newMembersCmd(opts))
	return root
}

// Execute runs the command tree against os.Args.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the store under opts.dbPath read-only. The returned close
// func releases the database.
func openStore(ctx context.Context, opts *inspectOptions) (*store.Store, func(), error) {
	var cipher encryption.Cipher
	if opts.masterKeyHex != "" || opts.masterKeyFile != "" {
		key, err := encryption.LoadKey(opts.masterKeyHex, opts.masterKeyFile)
		if err != nil {
			return nil, nil, err
		}
		aead, err := encryption.NewAEAD(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		cipher = aead
	}
	path := state.PathsFor(opts.dbPath).Store
	db, err := kv.OpenPebble(path, kv.WithReadOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return store.New(db, cipher), func() { _ = db.Close() }, nil
}

// describe renders decoded content for display, falling back to the
// content's fallback text for unknown codecs.
func describe(codecs *codec.Registry, content models.EncodedContent) string {
	v, err := codecs.Decode(content)
	if err != nil {
		if content.Fallback != "" {
			return content.Fallback
		}
		return fmt.Sprintf("<%s: %v>", codec.TypeString(content.Type), err)
	}
	switch x := v.(type) {
	case string:
		return x
	case codec.GroupUpdated:
		out := "group updated by " + x.InitiatedByInboxID
		if len(x.AddedInboxes) > 0 {
			out += fmt.Sprintf(" added=%v", x.AddedInboxes)
		}
		if len(x.RemovedInboxes) > 0 {
			out += fmt.Sprintf(" removed=%v", x.RemovedInboxes)
		}
		for _, c := range x.MetadataChanges {
			out += fmt.Sprintf(" %s=%q", c.Field, c.NewValue)
		}
		return out
	default:
		return fmt.Sprintf("%v", x)
	}
}
