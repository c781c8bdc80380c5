// voicegate-agent is a terminal voice agent: typed lines stand in for the microphone and replies
// are synthesized and timed as if played.
package main

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"

	"voicegate/cmd/internal/agent"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	server := cli.StringP("server", "s", "", "voicegate server URL (default $VOICEGATE_URL or http://localhost:8080)")
	token := cli.StringP("token", "t", "", "Access token (default $VOICEGATE_TOKEN)")
	voice := cli.StringP("voice", "v", "", "ElevenLabs voice id")
	mute := cli.BoolP("mute", "m", false, "Start muted: replies are printed, not spoken")
	logLevel := cli.StringP("log-level", "l", "warn", "Log level: debug, info, warn or error")
	cli.Parse()

	level, ok := logLevelMap[*logLevel]
	if !ok {
		level = log.LevelWarn
	}
	logger := log.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	log.SetDefault(logger)

	_ = godotenv.Load(*envFile)

	if *server == "" {
		*server = os.Getenv("VOICEGATE_URL")
	}
	if *server == "" {
		*server = "http://localhost:8080"
	}
	if *token == "" {
		*token = os.Getenv("VOICEGATE_TOKEN")
	}
	if *token == "" {
		logger.Error("access token required", "hint", "pass --token or set VOICEGATE_TOKEN")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := agent.NewClient(*server)
	if err != nil {
		logger.Error("agent.client.fail", "err", err)
		os.Exit(1)
	}

	red, err := client.Redeem(ctx, *token)
	if err != nil {
		if errors.Is(err, agent.ErrRejected) {
			logger.Error("agent.token.rejected", "message", red.Message)
		} else {
			logger.Error("agent.redeem.fail", "err", err)
		}
		os.Exit(1)
	}
	logger.Info("agent.session.ready", "message", red.Message)

	err = agent.Run(ctx, logger, agent.Options{
		Client:  client,
		Console: agent.NewConsole(os.Stdin),
		Player:  agent.NewHeadlessPlayer(logger),
		Out:     os.Stdout,
		VoiceID: *voice,
		Muted:   *mute,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent.run.fail", "err", err)
		os.Exit(1)
	}
}
