package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rdv-chat/internal/api"
	"rdv-chat/internal/chat"
	"rdv-chat/internal/config"
	"rdv-chat/internal/logger"
	"rdv-chat/internal/session"
	"rdv-chat/internal/stream"
)

func main() {
	cfg := config.LoadClient()

	baseURL := flag.String("url", cfg.BaseURL, "gateway base URL")
	userID := flag.Int("user", cfg.UserID, "your user id")
	convID := flag.Int("conversation", cfg.ConversationID, "conversation id")
	token := flag.String("token", cfg.Token, "access token")
	flag.Parse()

	log := logger.New(cfg.LogMode)
	defer log.Sync()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user <id> [-conversation <id>]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(*baseURL, api.WithToken(*token))

	if *convID <= 0 {
		if err := listConversations(ctx, client, *userID); err != nil {
			fmt.Fprintf(os.Stderr, "could not list conversations: %v\n", err)
			os.Exit(1)
		}
		return
	}

	sess := session.New(*userID, session.Options{
		Token:                *token,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               log,
	})
	coord := stream.New(stream.Config{
		UserID:         *userID,
		ConversationID: *convID,
		Endpoint:       *baseURL,
		PageSize:       cfg.PageSize,
		Logger:         log,
	}, sess, client)
	defer coord.Close()

	go printMessages(coord, *userID)
	go printStatus(sess, coord)

	coord.Connect()
	if err := coord.LoadHistory(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("type a message, /upload <file>, /reload or /quit")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, line, coord, client, *convID, *userID); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, line string, coord *stream.Coordinator, client *api.Client, convID, userID int) bool {
	switch {
	case line == "/quit":
		return true
	case line == "/reload":
		if err := coord.LoadHistory(ctx); err != nil {
			fmt.Printf("! reload failed: %v\n", err)
		}
	case strings.HasPrefix(line, "/upload "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/upload "))
		if err := upload(ctx, client, convID, userID, path); err != nil {
			fmt.Printf("! upload failed: %v\n", err)
		}
	default:
		if err := coord.Send(line); err != nil && !errors.Is(err, stream.ErrBlankContent) {
			fmt.Printf("! %v\n", err)
		}
	}
	return false
}

func upload(ctx context.Context, client *api.Client, convID, userID int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	_, err = client.UploadFile(ctx, convID, userID, filepath.Base(path), contentType, f)
	return err
}

func listConversations(ctx context.Context, client *api.Client, userID int) error {
	convs, err := client.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("no conversations yet")
		return nil
	}
	for _, c := range convs {
		name := c.DoctorName
		if c.DoctorID == userID {
			name = c.PatientName
		}
		last := ""
		if c.LastMessage != nil {
			last = *c.LastMessage
		}
		fmt.Printf("#%d  %-24s unread:%-3d %s\n", c.ID, name, c.UnreadCount, last)
	}
	fmt.Println("open one with -conversation <id>")
	return nil
}

// printMessages prints every message the first time it appears in the list.
func printMessages(coord *stream.Coordinator, userID int) {
	snapshots, cancel := coord.WatchMessages()
	defer cancel()

	seen := make(map[int]bool)
	for msgs := range snapshots {
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fmt.Println(formatMessage(m, userID))
		}
	}
}

func formatMessage(m chat.Message, userID int) string {
	at := m.CreatedAt
	if ts, err := m.Timestamp(); err == nil {
		at = ts.Local().Format(time.DateTime)
	}
	who := m.SenderName
	if m.SenderID == userID {
		who = "me"
	} else if who == "" {
		who = fmt.Sprintf("user %d", m.SenderID)
	}
	if m.MessageType.HasAttachment() {
		return fmt.Sprintf("[%s] %s sent %s %s (%s)", at, who, m.MessageType, m.Content, m.FileURL)
	}
	return fmt.Sprintf("[%s] %s: %s", at, who, m.Content)
}

func printStatus(sess *session.Session, coord *stream.Coordinator) {
	states, cancelStates := sess.WatchState()
	defer cancelStates()
	errs, cancelErrs := coord.WatchErr()
	defer cancelErrs()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			fmt.Printf("* %s\n", st)
		case text, ok := <-errs:
			if !ok {
				return
			}
			if text != "" {
				fmt.Printf("! %s\n", text)
			}
		}
	}
}
