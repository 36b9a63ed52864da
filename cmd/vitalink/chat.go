package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	vitalink "github.com/vitalink-health/vitalink-go"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(chatCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := getSession()
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		convs, err := session.Client().Chat().Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		for _, c := range convs {
			name := c.OtherUser.DisplayName
			if name == "" {
				name = c.OtherUser.Username
			}
			last := "-"
			if c.LastMessageAt != nil {
				last = c.LastMessageAt.Local().Format("2006-01-02 15:04")
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("  (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%s  %-20s  last: %s%s\n", c.ID, name, last, unread)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat interactively",
	Long: "Open a conversation: prints the latest history, streams live messages,\n" +
		"and sends each line you type. Commands: /more loads older history,\n" +
		"/search <q> filters history, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, cfg := getSession()
		defer session.Close()

		ctx := context.Background()
		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect stream: %w", err)
		}

		view, err := session.OpenConversation(ctx, args[0], &vitalink.ViewOptions{
			OnSendResult: func(m *vitalink.Message, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			},
			OnTyping: func(isTyping bool) {
				if isTyping {
					fmt.Println("… other side is typing")
				}
			},
		})
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		defer view.Close()

		printMessages(view.Messages(), cfg.Auth.UserID)

		// Live arrivals: poll the view snapshot. The view itself stays
		// consistent regardless of how often we render.
		seen := len(view.Messages())
		go func() {
			for {
				time.Sleep(500 * time.Millisecond)
				msgs := view.Messages()
				if len(msgs) > seen {
					printMessages(msgs[seen:], cfg.Auth.UserID)
					seen = len(msgs)
				}
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "/quit":
				return nil
			case line == "/more":
				if err := view.LoadMore(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "load more failed: %v\n", err)
				}
				fmt.Printf("%d messages loaded, has more: %v\n", len(view.Messages()), view.HasMore())
			case strings.HasPrefix(line, "/search "):
				view.SetSearch(strings.TrimPrefix(line, "/search "))
			case line == "/search":
				view.SetSearch("")
			case strings.TrimSpace(line) == "":
			default:
				if err := view.Send(ctx, line, ""); err != nil {
					continue // already reported via OnSendResult
				}
			}
		}
		return scanner.Err()
	},
}

func printMessages(msgs []vitalink.Message, viewerID string) {
	for _, m := range msgs {
		who := "them"
		if m.SenderID == viewerID {
			who = "you"
		}
		content := m.Content
		if m.IsDeleted {
			content = "(deleted)"
		} else if m.IsImageOnly() {
			content = "(image) " + m.ImageURL
		}
		fmt.Printf("[%s] %-4s %s\n", m.CreatedAt.Local().Format("15:04"), who, content)
	}
}
