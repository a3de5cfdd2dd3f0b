package main

import (
	"os"

	"kassa/internal/cli"
	"kassa/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	logger.Info("Starting kassa-worker")

	if !cfg.AMQPEnabled() {
		logger.Error("kassa-worker needs AMQP_URL")
		os.Exit(1)
	}

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	client := cli.InitAMQP(logger, cfg)
	defer client.Close()

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	notifications := worker.NewNotificationWorker(repo, worker.NewLogNotifier(logger), logger)
	if err := notifications.Run(ctx, client); err != nil {
		logger.Error("Message consumption failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}
