package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/client"
	"github.com/Deepak-Melkani/soulara-realtime/internal/config"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/internal/session"
	"github.com/Deepak-Melkani/soulara-realtime/internal/typing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config.yaml")
	token := flag.String("token", os.Getenv("SOULARA_ACCESS_TOKEN"), "Access token")
	refresh := flag.String("refresh", os.Getenv("SOULARA_REFRESH_TOKEN"), "Refresh token")
	peer := flag.String("peer", "", "User id to chat with")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	if *token == "" || *peer == "" {
		log.Fatal("Access token and peer are required. Use -token and -peer flags")
	}

	ctx := context.Background()
	s, err := session.New(ctx, cfg, session.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to create session", zap.Error(err))
	}

	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"session": func(ctx context.Context) error {
			s.Close()
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- chatLoop(ctx, s, *token, *refresh, *peer) }()

	select {
	case code := <-wait:
		os.Exit(code)
	case err := <-done:
		s.Close()
		if err != nil {
			log.Error("Chat ended", zap.Error(err))
			os.Exit(1)
		}
	}
}

func chatLoop(ctx context.Context, s *session.Session, token, refresh, peer string) error {
	s.Manager().OnStateChange(func(st client.State) {
		fmt.Printf("*** %s ***\n", st)
	})
	if err := s.Authenticate(ctx, token, refresh); err != nil {
		return err
	}

	roomID, err := s.StartChat(ctx, peer)
	if err != nil {
		return err
	}
	leave, err := s.EnterRoom(ctx, roomID)
	if err != nil {
		fmt.Printf("*** could not load history: %v ***\n", err)
	}
	defer leave()

	names := map[string]string{s.UserID(): "you"}
	if p, ok := s.Messages().Peer(roomID); ok && p.DisplayName() != "" {
		names[p.ID] = p.DisplayName()
	}

	printer := newPrinter(names)
	printer.print(s.Messages().Messages(roomID))
	s.Messages().OnChange(func(changed string) {
		if changed == roomID {
			printer.print(s.Messages().Messages(roomID))
		}
	})
	s.Typing().OnChange(func(c typing.Change) {
		if c.RoomID == roomID && len(c.Users) > 0 {
			fmt.Printf("*** %s is typing ***\n", printer.name(c.Users[0]))
		}
	})

	fmt.Println("Type your messages (/chats, /online, /retry <id>, /quit):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := command(ctx, s, roomID, printer, text); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Printf("*** %v ***\n", err)
		}
	}
	return scanner.Err()
}

var errQuit = errors.New("quit")

func command(ctx context.Context, s *session.Session, roomID string, p *printer, text string) error {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/chats":
		list, err := s.Chats().Fetch(ctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			online := ""
			if c.Other.Online {
				online = " (online)"
			}
			fmt.Printf("  %s%s unread=%d\n", c.Other.DisplayName(), online, c.UnreadCount)
		}
		return nil
	case "/online":
		fmt.Printf("  online: %s\n", strings.Join(s.Presence().Online(), ", "))
		return nil
	case "/retry":
		if len(fields) < 2 {
			return errors.New("usage: /retry <id>")
		}
		_, err := s.Messages().Retry(ctx, roomID, fields[1])
		return err
	}

	_, err := s.Send(ctx, roomID, text, chat.KindText, nil)
	return err
}

// printer writes each message once and own messages again on every
// status change.
type printer struct {
	mu     sync.Mutex
	names  map[string]string
	status map[string]chat.Status
}

func newPrinter(names map[string]string) *printer {
	return &printer{names: names, status: make(map[string]chat.Status)}
}

func (p *printer) name(id string) string {
	if n, ok := p.names[id]; ok {
		return n
	}
	return id
}

func (p *printer) print(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		key := m.ID
		if m.ClientID != "" {
			key = m.ClientID
		}
		prev, seen := p.status[key]
		p.status[key] = m.Status
		switch {
		case !seen:
			fmt.Printf("[%s %s]: %s\n", m.CreatedAt.Local().Format("15:04"), p.name(m.SenderID), m.Body)
		case m.Own && prev != m.Status:
			fmt.Printf("  (%s: %s)\n", m.Status, m.ID)
		}
	}
}
