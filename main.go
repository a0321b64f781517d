// Command geminimw is the process entrypoint: it loads configuration,
// wires the key pool, config store, message store, blacklist,
// statistics log, media resolver and both backend dispatchers into an
// orchestrator.Manager, then drives one event loop per connected
// messaging platform (spec §2 "Data flow", §9 "main() constructs them
// once and passes them to handlers").
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guanke/geminimw/api"
	"github.com/guanke/geminimw/internal/backend/common"
	"github.com/guanke/geminimw/internal/backend/google"
	"github.com/guanke/geminimw/internal/backend/openaicompat"
	"github.com/guanke/geminimw/internal/blacklist"
	"github.com/guanke/geminimw/internal/config"
	"github.com/guanke/geminimw/internal/configstore"
	"github.com/guanke/geminimw/internal/keypool"
	"github.com/guanke/geminimw/internal/logger"
	"github.com/guanke/geminimw/internal/media"
	"github.com/guanke/geminimw/internal/msgstore"
	"github.com/guanke/geminimw/internal/orchestrator"
	"github.com/guanke/geminimw/internal/pg"
	"github.com/guanke/geminimw/internal/platform"
	"github.com/guanke/geminimw/internal/platform/discord"
	"github.com/guanke/geminimw/internal/platform/telegram"
	"github.com/guanke/geminimw/internal/r2"
	"github.com/guanke/geminimw/internal/stats"
)

const (
	configCacheCapacity = 4096
	keyCooldown         = 18 * time.Hour
	keyQuotaThreshold   = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pg.Connect(ctx, pg.Config{
		Host: cfg.PostgresHost, User: cfg.PostgresUser, Password: cfg.PostgresPassword,
		MinConns: cfg.PostgresPoolMin, MaxConns: cfg.PostgresPoolMax,
	})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()

	if err := pg.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate base schema: %v", err)
	}
	if err := configstore.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate chat_config schema: %v", err)
	}

	configStore := configstore.New(db, configCacheCapacity)
	messageStore := msgstore.New(db)
	blacklistStore := blacklist.New(db)
	statsStore := stats.New(db)

	telegramClient, err := telegram.New(cfg.TelegramToken)
	if err != nil {
		log.Fatalf("init telegram client: %v", err)
	}

	notifier := &adminNotifier{client: telegramClient, chatID: cfg.FeedbackTargetID}

	keys, err := keypool.LoadFromFile(filepath.Join(cfg.DataPath, "keys.txt"), keypool.Options{
		Cooldown: keyCooldown, QuotaThreshold: keyQuotaThreshold, Notifier: notifier,
	})
	if err != nil {
		log.Fatalf("load api keys: %v", err)
	}

	mediaResolver := media.New(cfg.CachePath, keys)
	if cfg.R2AccountID != "" {
		remote, err := r2.New(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2BucketName, cfg.R2PublicURL)
		if err != nil {
			slog.Warn("main: r2 mirror disabled", "error", err)
		} else {
			mediaResolver = mediaResolver.WithRemoteCache(remote)
		}
	}

	googleBackend := google.New(keys, proxyHTTPClient(cfg.ProxyURL))
	if cfg.GroundingProxyURL != "" {
		if groundingClient := proxyHTTPClient(cfg.GroundingProxyURL); groundingClient != nil {
			googleBackend = googleBackend.WithGroundingProxy(groundingClient)
		}
	}
	backends := map[string]common.Backend{
		"google": googleBackend,
	}
	if cfg.OAIEnabled {
		backends["openai"] = openaicompat.New(cfg.OAIAPIURL, cfg.OAIAPIKey, nil, 0)
	}

	systemPrompt, err := os.ReadFile(filepath.Join(cfg.DataPath, "system_prompt.txt"))
	if err != nil {
		log.Fatalf("read system prompt file: %v", err)
	}

	manager := orchestrator.New(configStore, messageStore, blacklistStore, statsStore, keys,
		mediaResolver, backends, string(systemPrompt), cfg.AdminIDs, cfg.BotUsername)

	clients := []platform.Client{telegramClient}
	if cfg.DiscordToken != "" {
		discordClient, err := discord.New(cfg.DiscordToken)
		if err != nil {
			slog.Warn("main: discord adapter disabled", "error", err)
		} else {
			clients = append(clients, discordClient)
		}
	}

	health := &api.Health{DB: db, Keys: keys}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Healthcheck)
	healthServer := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("main: health server stopped", "error", err)
		}
	}()

	run(ctx, clients, manager)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthServer.Shutdown(shutdownCtx)
}

// run drives one Updates() consumer goroutine per connected platform
// client, returning once ctx is cancelled and every consumer has drained.
func run(ctx context.Context, clients []platform.Client, manager *orchestrator.Manager) {
	done := make(chan struct{})
	remaining := len(clients)
	if remaining == 0 {
		<-ctx.Done()
		return
	}

	for _, c := range clients {
		go func(c platform.Client) {
			defer func() { done <- struct{}{} }()
			for msg := range c.Updates(ctx) {
				go manager.Handle(ctx, c, msg)
			}
		}(c)
	}

	for remaining > 0 {
		<-done
		remaining--
	}
}

// adminNotifier implements keypool.Notifier by relaying eviction/removal
// messages to the configured feedback chat (spec §4.1 "notify").
type adminNotifier struct {
	client platform.Client
	chatID int64
}

func (n *adminNotifier) NotifyAdmin(message string) {
	if n.chatID == 0 {
		return
	}
	if _, err := n.client.Reply(context.Background(), n.chatID, 0, message, false); err != nil {
		slog.Error("main: admin notification failed", "error", err)
	}
}

func proxyHTTPClient(proxyURL string) *http.Client {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		slog.Warn("main: invalid PROXY_URL, ignoring", "error", err)
		return nil
	}
	return &http.Client{Timeout: 60 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
}
