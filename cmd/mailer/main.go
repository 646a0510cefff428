package main

import (
	"context"
	"os/signal"
	"syscall"

	"account-security/internal/client"
	"account-security/internal/config"
	"account-security/internal/notify"
	"account-security/internal/util"
)

// mailer delivers notifications that the server published to Kafka.
func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := client.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.NotificationTopic, cfg.Kafka.ConsumerGroup)
	if err != nil {
		util.Fatal("Failed to create Kafka consumer", util.ErrorField(err))
	}
	defer consumer.Close()

	smtp, err := notify.NewSMTPNotifier(cfg.SMTP, util.Get())
	if err != nil {
		util.Fatal("Failed to create SMTP notifier", util.ErrorField(err))
	}

	util.Info("Mailer started",
		util.String("topic", cfg.Kafka.NotificationTopic),
		util.String("group", cfg.Kafka.ConsumerGroup))

	if err := notify.NewRelay(consumer, smtp, util.Get()).Run(ctx); err != nil {
		util.Error("Mailer stopped with error", util.ErrorField(err))
		return
	}
	util.Info("Mailer stopped")
}
