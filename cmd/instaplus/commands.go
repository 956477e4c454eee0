package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/apiclient"
	"github.com/MarcoPoloResearchLab/instaplus/internal/chat"
	"github.com/MarcoPoloResearchLab/instaplus/internal/compose"
	"github.com/MarcoPoloResearchLab/instaplus/internal/feed"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"github.com/MarcoPoloResearchLab/instaplus/internal/storyviewer"
	"github.com/spf13/cobra"
)

const cleanupTimeout = 30 * time.Second

func newFeedCommand() *cobra.Command {
	var (
		tab   string
		pages int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print the home feed",
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			engine, err := feed.NewEngine(feed.Config{
				Fetcher: feed.FetcherFunc(func(ctx context.Context, cursor string) (feed.Page, error) {
					return s.client.ListPosts(ctx, apiclient.PostQuery{Limit: limit, Cursor: cursor, Tab: tab})
				}),
				Logger: s.logger,
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			if err := engine.Init(ctx); err != nil {
				return feedError(err)
			}
			for page := 1; page < pages && engine.State().HasMore; page++ {
				if err := engine.LoadMore(ctx); err != nil {
					return feedError(err)
				}
			}

			out := cmd.OutOrStdout()
			for _, post := range engine.Items() {
				fmt.Fprintf(out, "%s  %-20s  %s  [%d media]\n", post.CreatedAt.Local().Format(time.DateTime), post.AuthorID, post.Caption, len(post.Media))
			}
			if engine.State().HasMore {
				fmt.Fprintln(out, "… more posts available")
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&tab, "tab", "all", "Feed tab (all, following)")
	cmd.Flags().IntVar(&pages, "pages", 1, "Number of pages to load")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (server default when zero)")
	return cmd
}

func feedError(err error) error {
	if errors.Is(err, apiclient.ErrNoToken) {
		return errors.New("the following tab needs a token (--token or INSTAPLUS_API_TOKEN)")
	}
	return err
}

func newPostCommand() *cobra.Command {
	var caption string
	cmd := &cobra.Command{
		Use:   "post FILE...",
		Short: "Upload media and publish a post",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			draft, err := compose.NewDraft(compose.DraftConfig{Gateway: s.client, Posts: s.client, Logger: s.logger})
			if err != nil {
				return err
			}
			files, closeFiles, err := openFiles(args)
			if err != nil {
				return err
			}
			defer closeFiles()

			ctx := cmd.Context()
			if _, err := draft.AddFiles(ctx, files); err != nil {
				abandon(draft.Abandon)
				return err
			}
			if status := draft.Status(); status != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), status)
			}
			post, err := draft.Submit(ctx, caption)
			if err != nil {
				abandon(draft.Abandon)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published post %s with %d media\n", post.ID, len(post.Media))
			return nil
		}),
	}
	cmd.Flags().StringVar(&caption, "caption", "", "Post caption")
	return cmd
}

func newStoryCommand() *cobra.Command {
	var theme, prompt string
	cmd := &cobra.Command{
		Use:   "story FILE",
		Short: "Upload media and publish a story",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			draft, err := compose.NewStoryDraft(compose.StoryDraftConfig{Gateway: s.client, Stories: s.client, Generator: s.client, Logger: s.logger})
			if err != nil {
				return err
			}
			files, closeFiles, err := openFiles(args)
			if err != nil {
				return err
			}
			defer closeFiles()

			ctx := cmd.Context()
			if theme != "" {
				_, err = draft.Generate(ctx, files[0], theme, prompt)
			} else {
				_, err = draft.Select(ctx, files[0])
			}
			if err != nil {
				abandon(draft.Abandon)
				return err
			}
			story, err := draft.Submit(ctx)
			if err != nil {
				abandon(draft.Abandon)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published story %s, expires %s\n", story.ID, story.ExpiresAt.Local().Format(time.DateTime))
			return nil
		}),
	}
	cmd.Flags().StringVar(&theme, "theme", "", "Generate a themed scene from the photo before publishing")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Custom generation prompt, used with --theme")
	return cmd
}

func newStoriesCommand() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "Play the current stories",
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			ctx := cmd.Context()
			sets, err := s.client.ListStories(ctx)
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stories")
				return nil
			}
			cfg := storyviewer.Config{Sets: sets, StartAuthor: author, Logger: s.logger}
			if s.client.Token() != "" {
				viewed, err := s.client.ListViewedStories(ctx)
				if err != nil {
					return err
				}
				cfg.Viewed = viewed
				cfg.Notifier = s.client
			}
			out := cmd.OutOrStdout()
			last := ""
			cfg.OnChange = func(snapshot storyviewer.Snapshot) {
				if snapshot.Closed || snapshot.Item.Src == last {
					return
				}
				last = snapshot.Item.Src
				fmt.Fprintf(out, "%-20s  %s  %s\n", snapshot.AuthorID, snapshot.Item.Kind, snapshot.Item.Src)
			}
			viewer, err := storyviewer.New(cfg)
			if err != nil {
				return err
			}
			first := viewer.Snapshot()
			last = first.Item.Src
			fmt.Fprintf(out, "%-20s  %s  %s\n", first.AuthorID, first.Item.Kind, first.Item.Src)

			viewer.Run(ctx)
			viewer.Close()
			viewer.Wait()
			return nil
		}),
	}
	cmd.Flags().StringVar(&author, "author", "", "Start with this author's stories")
	return cmd
}

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat USER_ID",
		Short: "Open a direct conversation; /edit ID TEXT and /delete ID are supported",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			ctx := cmd.Context()
			me, err := s.client.Me(ctx)
			if err != nil {
				return err
			}
			realtimeURL, err := s.client.RealtimeURL()
			if err != nil {
				return err
			}
			connection, err := chat.NewConnection(chat.ConnectionConfig{URL: realtimeURL, Logger: s.logger})
			if err != nil {
				return err
			}
			if err := connection.Connect(ctx); err != nil {
				return err
			}
			defer connection.Close() //nolint:errcheck

			inbox, err := chat.NewInbox(chat.InboxConfig{SelfID: me.UserID, API: s.client, Connection: connection, Logger: s.logger})
			if err != nil {
				return err
			}
			defer inbox.Close()
			if err := inbox.Load(ctx); err != nil {
				return err
			}
			conversation, err := inbox.Start(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, message := range conversation.Messages() {
				fmt.Fprintf(out, "[%s] %s: %s\n", message.ID, message.SenderID, message.Text)
			}
			printRemote := func(frame realtime.Frame) {
				if frame.ConversationID != conversation.ID() {
					return
				}
				switch {
				case frame.Event == realtime.EventMessageDeleted:
					fmt.Fprintf(out, "(%s deleted)\n", frame.MessageID)
				case frame.Message != nil:
					fmt.Fprintf(out, "[%s] %s: %s\n", frame.Message.ID, frame.Message.SenderID, frame.Message.Text)
				}
			}
			for _, event := range []string{realtime.EventReceiveMessage, realtime.EventMessageEdited, realtime.EventMessageDeleted} {
				defer connection.Off(connection.On(event, printRemote))
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-connection.Done():
					return errors.New("realtime connection closed")
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if err := runChatLine(ctx, inbox, line); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), err)
					}
				}
			}
		}),
	}
}

func runChatLine(ctx context.Context, inbox *chat.Inbox, line string) error {
	switch {
	case strings.HasPrefix(line, "/edit "):
		fields := strings.SplitN(strings.TrimPrefix(line, "/edit "), " ", 2)
		if len(fields) != 2 {
			return errors.New("usage: /edit MESSAGE_ID TEXT")
		}
		active := inbox.Active()
		if active == nil {
			return chat.ErrNoActiveConversation
		}
		if err := active.BeginEdit(fields[0]); err != nil {
			return err
		}
		if _, err := inbox.SaveEdit(ctx, fields[0], fields[1]); err != nil {
			active.CancelEdit(fields[0])
			return err
		}
		return nil
	case strings.HasPrefix(line, "/delete "):
		return inbox.Delete(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))
	default:
		_, err := inbox.Send(ctx, line)
		return err
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the current user",
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			profile, err := s.client.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s), following %d\n", profile.UserID, profile.DisplayName, len(profile.Following))
			return nil
		}),
	}
}

func newFollowCommand() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "follow USER_ID",
		Short: "Follow or unfollow a user",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
			if undo {
				return s.client.Unfollow(cmd.Context(), args[0])
			}
			return s.client.Follow(cmd.Context(), args[0])
		}),
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "Unfollow instead")
	return cmd
}

func openFiles(paths []string) ([]apiclient.File, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
	files := make([]apiclient.File, 0, len(paths))
	for _, path := range paths {
		handle, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, handle)
		files = append(files, apiclient.File{
			Name:        filepath.Base(path),
			ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
			Body:        handle,
		})
	}
	return files, closeAll, nil
}

// abandon runs an awaited cleanup on a fresh context so it survives an interrupted command.
func abandon(cleanup func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	cleanup(ctx)
}
