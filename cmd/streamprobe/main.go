// streamprobe connects to the notification WebSocket and prints parsed events
// to the console. Useful for verifying credentials and channel params before
// running the full daemon.
//
// Usage: go run ./cmd/streamprobe --config configs/notifierd.example.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forkline/notifier/internal/config"
	"github.com/forkline/notifier/internal/model"
	"github.com/forkline/notifier/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/notifierd.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	clientCfg := transport.DefaultClientConfig()
	clientCfg.URL = cfg.API.WSURL
	clientCfg.APIKey = cfg.API.APIKey
	clientCfg.PingInterval = cfg.Connection.PingInterval
	clientCfg.PingTimeout = cfg.Connection.PingTimeout

	client := transport.NewClient(clientCfg, logger)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err, "url", cfg.API.WSURL)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("connected", "url", cfg.API.WSURL)

	// Subscribe to the notifications channel for the configured tenant.
	cmd := transport.Command{
		ID:      1,
		Action:  transport.ActionSubscribe,
		Channel: "notifications",
		Params:  model.SubscriptionParams{RestaurantID: cfg.Tenant.RestaurantID},
	}
	data, _ := json.Marshal(cmd)
	if err := client.Send(data); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	var events, responses int
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("probe finished",
				"events", events,
				"responses", responses,
				"elapsed", time.Since(start).Round(time.Second),
			)
			return

		case err := <-client.Errors():
			logger.Error("transport error", "error", err)
			os.Exit(1)

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}

			if resp, ok := transport.ParseResponse(msg.Data); ok {
				responses++
				fmt.Printf("[resp] id=%d type=%s\n", resp.ID, resp.Type)
				continue
			}

			n, err := model.ParseNotification(msg.Data)
			if err != nil {
				logger.Warn("unparsable event", "error", err)
				continue
			}

			events++
			fmt.Printf("[%s] id=%s type=%s restaurant=%d resource=%s/%s\n",
				msg.ReceivedAt.Format("15:04:05.000"),
				n.ID, n.Type, n.RestaurantID, n.Resource.Type, n.Resource.ID,
			)
			if *verbose {
				var buf map[string]any
				if json.Unmarshal(msg.Data, &buf) == nil {
					pretty, _ := json.MarshalIndent(buf, "", "  ")
					fmt.Println(string(pretty))
				}
			}
		}
	}
}
