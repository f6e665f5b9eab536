// Command gateway is the IM-to-agent gateway's entrypoint: a cobra root
// with a long-running serve subcommand plus a testgateway diagnostic,
// following vanducng-goclaw's cmd/root.go shape (persistent --config
// flag, one subcommand per operational concern).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coworkhq/imgateway/pkg/agent"
	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/config"
	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/multiplexer"
	"github.com/coworkhq/imgateway/pkg/store"
	"github.com/coworkhq/imgateway/pkg/transport/dingtalk"
	"github.com/coworkhq/imgateway/pkg/transport/discord"
	"github.com/coworkhq/imgateway/pkg/transport/feishu"
	"github.com/coworkhq/imgateway/pkg/transport/telegram"
	"github.com/coworkhq/imgateway/pkg/transport/wecom"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "IM-to-agent gateway",
	Long:  "gateway bridges Telegram, Discord, DingTalk, Feishu, and WeCom conversations to Claude agent sessions.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: env vars only)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(testGatewayCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, connecting every enabled platform transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func testGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "testgateway <platform>",
		Short: "Run a platform's connectivity self-test and print the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestGateway(args[0])
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

// wireManager constructs the Manager and every enabled platform transport,
// but does not start them (shared by serve and testgateway).
func wireManager(cfg *config.Config, b *bus.MessageBus, mx *multiplexer.Multiplexer, metrics *gateway.Metrics, st store.Store) (*gateway.Manager, error) {
	mgr := gateway.New(mx, st, metrics)

	if cfg.Telegram.Enabled {
		t, err := telegram.New(cfg.Telegram.BotToken, b)
		if err != nil {
			return nil, fmt.Errorf("constructing telegram transport: %w", err)
		}
		mgr.RegisterTransport(t)
	}
	if cfg.Discord.Enabled {
		t, err := discord.New(cfg.Discord.BotToken, b)
		if err != nil {
			return nil, fmt.Errorf("constructing discord transport: %w", err)
		}
		mgr.RegisterTransport(t)
	}
	if cfg.DingTalk.Enabled {
		mgr.RegisterTransport(dingtalk.New(cfg.DingTalk.ClientID, cfg.DingTalk.ClientSecret, b))
	}
	if cfg.Feishu.Enabled {
		mgr.RegisterTransport(feishu.New(cfg.Feishu.AppID, cfg.Feishu.AppSecret, b))
	}
	if cfg.WeCom.Enabled {
		mgr.RegisterTransport(wecom.New(wecom.Config{
			CorpID:         cfg.WeCom.CorpID,
			Secret:         cfg.WeCom.Secret,
			Token:          cfg.WeCom.Token,
			EncodingAESKey: cfg.WeCom.EncodingAESKey,
			AgentID:        cfg.WeCom.AgentID,
			CallbackURL:    cfg.WeCom.CallbackURL,
		}, b))
	}

	return mgr, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runner := agent.NewRunner(agent.RunnerConfig{
		BinaryPath:    cfg.Agent.BinaryPath,
		Model:         cfg.Agent.Model,
		DefaultMode:   agent.ExecutionMode(cfg.Agent.Mode),
		PermissionTTL: cfg.Agent.PermissionTTL,
	}, st)

	mx := multiplexer.New(runner, st, multiplexer.Config{
		WorkspaceRoot: cfg.Agent.WorkspaceRoot,
		ExecutionMode: agent.ExecutionMode(cfg.Agent.Mode),
		TurnTimeout:   cfg.Agent.TurnTimeout,
	})
	defer mx.Stop()

	var metrics *gateway.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = gateway.NewMetrics(reg)
		go serveMetrics(cfg.Metrics.Addr, reg)
	}

	b := bus.NewMessageBus(256)

	mgr, err := wireManager(cfg, b, mx, metrics, st)
	if err != nil {
		return err
	}

	gc := gateway.NewMediaGC(cfg.Agent.WorkspaceRoot)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go gc.Run(ctx)
	go mgr.ForwardLoop(ctx, b)

	if results := mgr.StartAllEnabled(ctx); len(results) > 0 {
		for platform, startErr := range results {
			logger.ErrorCF("gateway", "platform failed to start", map[string]any{"platform": platform, "error": startErr.Error()})
		}
	}

	logger.InfoCF("gateway", "serving", map[string]any{"platforms": cfg.EnabledPlatforms()})
	<-ctx.Done()
	logger.InfoCF("gateway", "shutting down", nil)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.ErrorCF("gateway", "metrics server stopped", map[string]any{"error": err.Error()})
	}
}

func runTestGateway(platform string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runner := agent.NewRunner(agent.RunnerConfig{BinaryPath: cfg.Agent.BinaryPath, Model: cfg.Agent.Model}, st)
	mx := multiplexer.New(runner, st, multiplexer.Config{WorkspaceRoot: cfg.Agent.WorkspaceRoot})
	defer mx.Stop()

	b := bus.NewMessageBus(8)
	mgr, err := wireManager(cfg, b, mx, nil, st)
	if err != nil {
		return err
	}

	result := mgr.TestGateway(context.Background(), platform, nil)
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if result.Verdict == gateway.LevelFail {
		os.Exit(1)
	}
	return nil
}
