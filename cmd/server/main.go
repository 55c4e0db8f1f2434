package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chattest"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
)

func main() {
	// Parse command-line flags
	addr := flag.String("addr", "localhost:5000", "Address to listen on for REST and WebSocket")
	users := flag.String("users", "alice,bob", "Comma separated user ids to register")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := logger.New(*level)
	defer log.Sync()

	srv, err := chattest.Listen(*addr, log.Named("server"))
	if err != nil {
		log.Fatal("Server error", zap.Error(err))
	}

	log.Info("Development chat backend started",
		zap.String("api", srv.APIURL()),
		zap.String("socket", srv.SocketURL()))
	for _, id := range strings.Split(*users, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		srv.AddUser(chattest.User{ID: id, FirstName: id})
		access, refresh := srv.IssueTokens(id)
		fmt.Printf("%s:\n  -token %s\n  -refresh %s\n", id, access, refresh)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Shutting down", zap.Stringer("signal", sig))
	srv.Close()
	log.Info("Server stopped")
}
