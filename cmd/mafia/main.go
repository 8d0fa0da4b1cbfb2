// cmd/mafia/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jason-s-yu/mafia/internal/config"
	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/game"
	"github.com/jason-s-yu/mafia/internal/room"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	remote, err := docstore.DialRemote(dialCtx, cfg.StoreURL, cfg.StoreToken, logger)
	cancel()
	if err != nil {
		logger.Fatalf("connecting to %s: %v", cfg.StoreURL, err)
	}
	defer remote.Close()

	engine := room.NewEngine(remote, cfg.Room, logger)
	defer engine.Close()

	store := game.NewGameStore(engine, logger)
	var (
		mu   sync.Mutex
		last string
	)
	store.OnChange(func(v game.View) {
		screen := render(v)
		mu.Lock()
		defer mu.Unlock()
		if screen != last {
			last = screen
			fmt.Print(screen)
		}
	})
	if err := store.Start(ctx); err != nil {
		logger.Fatalf("joining room %s: %v", cfg.Room.RoomID, err)
	}
	defer store.Close()

	go store.RunCountdown(ctx, time.Second)

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			quit, err := execute(ctx, store, line)
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}
