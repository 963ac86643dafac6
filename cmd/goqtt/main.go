// Command goqtt runs the MonsterMQ broker (spec §4.9/§6): it loads a YAML
// config, wires a broker.Broker from it, and serves every configured
// transport until signalled to stop. Grounded on the teacher's own
// cmd/goqtt/main.go (config load, sqlite open, signal.NotifyContext
// graceful shutdown) for the runtime wiring, and on cobra's root-command
// pattern (haivivi-giztoy/go/cmd/doubaospeech) for the flag surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/monstermq/broker/internal/broker"
	"github.com/monstermq/broker/internal/config"
	"github.com/monstermq/broker/internal/logger"
)

var (
	configPath  string
	clusterName string
	logLevel    string
)

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := 0

	root := &cobra.Command{
		Use:           "goqtt",
		Short:         "MonsterMQ MQTT 3.1.1 broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve()
			exitCode = code
			return err
		},
	}

	root.Flags().StringVar(&configPath, "config", os.Getenv("GATEWAY_CONFIG"), "path to the broker's YAML config file")
	root.Flags().StringVar(&clusterName, "cluster", "", "override the config file's clusterName")
	root.Flags().StringVar(&logLevel, "log", "info", "log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// serve builds and runs the broker, returning the process exit code per
// spec §6: 0 on a clean shutdown, 1 on a config/argument error, -1 on a
// startup failure.
func serve() (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return 1, err
	}
	if clusterName != "" {
		cfg.ClusterName = clusterName
	}

	logCfg := logger.ProductionConfig()
	logCfg.Level = parseLevel(logLevel)
	log := logger.New(logCfg)
	logger.InitGlobalLogger(logCfg)

	b, err := broker.New(cfg, log)
	if err != nil {
		log.LogError(err, "broker init")
		return -1, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("broker starting", logger.String("cluster", cfg.ClusterName))
	if err := b.Run(ctx); err != nil {
		log.LogError(err, "broker run")
		return -1, err
	}
	log.Info("broker stopped cleanly")
	return 0, nil
}

func parseLevel(s string) logger.LogLevel {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
