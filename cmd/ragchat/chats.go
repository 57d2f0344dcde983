package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/store"
)

func newChatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage conversations",
	}
	cmd.AddCommand(newChatsListCommand())
	cmd.AddCommand(newChatsNewCommand())
	cmd.AddCommand(newChatsRenameCommand())
	cmd.AddCommand(newChatsDeleteCommand())
	return cmd
}

func withConversationStore(f func(conversations *store.ConversationStore) error) error {
	kv, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()
	return f(store.NewConversationStore(kv))
}

func newChatsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversationStore(func(conversations *store.ConversationStore) error {
				active, err := conversations.ActiveConversation()
				if err != nil {
					return err
				}
				list, err := conversations.ListRecent()
				if err != nil {
					return err
				}
				for _, conv := range list {
					marker := " "
					if conv.ID == active.ID {
						marker = "*"
					}
					fmt.Printf("%s %s  %-30s  %d message(s)\n", marker, conv.ID, conv.Title, len(conv.Messages))
				}
				return nil
			})
		},
	}
}

func newChatsNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a fresh conversation and make it active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversationStore(func(conversations *store.ConversationStore) error {
				conv, err := conversations.NewChat()
				if err != nil {
					return err
				}
				fmt.Printf("Active conversation: %s\n", conv.ID)
				return nil
			})
		},
	}
}

func newChatsRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename ID TITLE",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversationStore(func(conversations *store.ConversationStore) error {
				return conversations.RenameConversation(args[0], args[1])
			})
		},
	}
}

func newChatsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversationStore(func(conversations *store.ConversationStore) error {
				if err := conversations.DeleteConversation(args[0]); err != nil {
					return err
				}
				active, err := conversations.ActiveConversation()
				if err != nil {
					return err
				}
				fmt.Printf("Active conversation: %s\n", active.ID)
				return nil
			})
		},
	}
}
