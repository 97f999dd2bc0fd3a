package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/bridge"
	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/config"
	"shopcall-server/pkg/conversation"
	"shopcall-server/pkg/httpsrv"
	"shopcall-server/pkg/messaging"
	"shopcall-server/pkg/metrics"
	"shopcall-server/pkg/observer"
	"shopcall-server/pkg/scoring"
	"shopcall-server/pkg/speech"
	"shopcall-server/pkg/telephony"
	"shopcall-server/pkg/version"
)

var logger = logrus.New()

func main() {
	// Basic logger setup until the configuration is loaded
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := config.SetupLogger(logger, &cfg.Logging); err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}

	metrics.EnableMetrics(cfg.HTTP.EnableMetrics)
	if cfg.HTTP.EnableMetrics {
		metrics.Init(logger)
	}

	store := callrecord.NewMemoryStore(logger)
	gateway := telephony.NewClient(logger, &cfg.Telephony)
	completions := speech.NewCompletionClient(logger, &cfg.Speech)
	realtime := speech.NewRealtimeFactory(logger, &cfg.Speech)

	hub := observer.NewHub(logger, store)
	controller := conversation.NewController(logger, store, completions, hub, &cfg.Conversation)
	media := bridge.New(logger, store, realtime, hub)
	engine := scoring.NewEngine(logger, completions)

	publisher := messaging.NewPublisher(logger, cfg.Messaging.AMQPURL, cfg.Messaging.QueueName)
	if publisher.Enabled() {
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, continuing without event publishing")
		}
	}

	server := httpsrv.NewServer(logger, cfg, store, gateway, controller, hub, media, engine, publisher)
	server.Start()

	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"port":    cfg.HTTP.Port,
		"metrics": cfg.HTTP.EnableMetrics,
		"amqp":    publisher.Enabled(),
	}).Info("Mystery shopper call server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}
	publisher.Disconnect()

	logger.Info("Shutdown complete")
}
