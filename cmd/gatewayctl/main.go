// Command gatewayctl is a local admin REPL over the gateway's persisted
// state, in the direct-access style of vanducng-goclaw's doctor/config
// subcommands (operate on config/store directly rather than over an RPC
// channel to a running server). It uses chzyer/readline for the prompt,
// the teacher's interactive-tool dependency.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

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

const usage = `commands:
  config get <platform>
  config set <platform> <json>
  test <platform>
  clear-session <platform> <conversation-id>
  help
  exit`

func main() {
	cfgPath := os.Getenv("GATEWAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: loading config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	runner := agent.NewRunner(agent.RunnerConfig{BinaryPath: cfg.Agent.BinaryPath, Model: cfg.Agent.Model}, st)
	mx := multiplexer.New(runner, st, multiplexer.Config{WorkspaceRoot: cfg.Agent.WorkspaceRoot})
	defer mx.Stop()

	mgr := gateway.New(mx, st, nil)
	b := bus.NewMessageBus(1)
	registerTransports(mgr, cfg, b)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gatewayctl> ",
		HistoryFile:     "/tmp/gatewayctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: starting readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println(usage)
	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := dispatch(ctx, mgr, mx, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

// registerTransports wires every configured platform's transport onto
// mgr so config/test/clear-session commands can reach it, regardless of
// whether that platform is Enabled (an operator may test a not-yet-
// enabled config before flipping it on).
func registerTransports(mgr *gateway.Manager, cfg *config.Config, b *bus.MessageBus) {
	if cfg.Telegram.BotToken != "" {
		if t, err := telegram.New(cfg.Telegram.BotToken, b); err == nil {
			mgr.RegisterTransport(t)
		}
	}
	if cfg.Discord.BotToken != "" {
		if t, err := discord.New(cfg.Discord.BotToken, b); err == nil {
			mgr.RegisterTransport(t)
		}
	}
	if cfg.DingTalk.ClientID != "" {
		mgr.RegisterTransport(dingtalk.New(cfg.DingTalk.ClientID, cfg.DingTalk.ClientSecret, b))
	}
	if cfg.Feishu.AppID != "" {
		mgr.RegisterTransport(feishu.New(cfg.Feishu.AppID, cfg.Feishu.AppSecret, b))
	}
	if cfg.WeCom.CorpID != "" {
		mgr.RegisterTransport(wecom.New(wecom.Config{
			CorpID:         cfg.WeCom.CorpID,
			Secret:         cfg.WeCom.Secret,
			Token:          cfg.WeCom.Token,
			EncodingAESKey: cfg.WeCom.EncodingAESKey,
			AgentID:        cfg.WeCom.AgentID,
			CallbackURL:    cfg.WeCom.CallbackURL,
		}, b))
	}
}

func dispatch(ctx context.Context, mgr *gateway.Manager, mx *multiplexer.Multiplexer, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Println(usage)
	case "exit", "quit":
		os.Exit(0)
	case "config":
		return dispatchConfig(ctx, mgr, fields[1:])
	case "test":
		if len(fields) != 2 {
			return fmt.Errorf("usage: test <platform>")
		}
		result := mgr.TestGateway(ctx, fields[1], nil)
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	case "clear-session":
		if len(fields) != 3 {
			return fmt.Errorf("usage: clear-session <platform> <conversation-id>")
		}
		if err := mx.ClearSessionForConversation(ctx, fields[1], fields[2]); err != nil {
			return err
		}
		fmt.Println("cleared")
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", fields[0])
	}
	return nil
}

func dispatchConfig(ctx context.Context, mgr *gateway.Manager, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: config <get|set> <platform> [json]")
	}
	platform := args[1]
	switch args[0] {
	case "get":
		v, err := mgr.GetConfig(ctx, platform)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			fmt.Println("{}")
			return nil
		}
		fmt.Println(string(v))
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: config set <platform> <json>")
		}
		partial := strings.Join(args[2:], " ")
		if err := mgr.SetConfig(ctx, platform, json.RawMessage(partial)); err != nil {
			return err
		}
		fmt.Println("ok")
	default:
		return fmt.Errorf("usage: config <get|set> <platform> [json]")
	}
	return nil
}
