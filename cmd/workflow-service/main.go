package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/app"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

const envConfigPath = "WORKFLOW_CONFIG"

// configPath выбирает YAML-файл: флаг -config, затем WORKFLOW_CONFIG.
func configPath(args []string, lookup func(string) (string, bool)) (string, error) {
	fs := flag.NewFlagSet("workflow-service", flag.ContinueOnError)
	path := fs.String("config", "", "path to YAML config (fallback: "+envConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path != "" {
		return *path, nil
	}
	if v, ok := lookup(envConfigPath); ok {
		return v, nil
	}
	return "", nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	path, err := configPath(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	cfg, err := app.LoadConfig(path, ".env")
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	app.ConfigureLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":      version.Current().Version,
		"http_addr":    cfg.Server.HTTPAddr,
		"grpc_addr":    cfg.Server.GRPCAddr,
		"metrics_addr": cfg.Server.MetricsAddr,
		"storage":      cfg.Storage.Driver,
	}).Info("запускаем workflow-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("workflow-service остановлен")
}
