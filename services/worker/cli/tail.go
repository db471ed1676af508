package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ynop/vespene/internal/kafka"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow build lifecycle events",
	Long: `Print build events published by worker daemons as they arrive.

Requires kafka_brokers. Each invocation joins its own consumer group, so
tailing never steals events from other consumers.`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

var (
	tailPool string
	tailType string
)

func init() {
	tailCmd.Flags().StringVar(&tailPool, "pool", "", "only show events of this worker pool")
	tailCmd.Flags().StringVar(&tailType, "type", "", "only show events of this type (e.g. build.orphaned)")
}

func runTail(_ *cobra.Command, _ []string) error {
	brokers := viper.GetString("kafka_brokers")
	if brokers == "" {
		return errors.New("kafka_brokers is not configured")
	}
	topic := viper.GetString("events_topic")
	if topic == "" {
		topic = kafka.TopicBuildEvents
	}
	logger := buildLogger(viper.GetString("log_level"), "worker-tail")

	consumer := kafka.NewConsumer(strings.Split(brokers, ","), topic, "vespene-tail-"+uuid.New().String()[:8], logger)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		if tailType != "" && msg.EventType() != kafka.EventType(tailType) {
			return nil
		}
		ev, err := kafka.DecodeBuildEvent(msg)
		if err != nil {
			logger.Warn("skipping malformed event", slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
			return nil
		}
		if tailPool != "" && ev.Pool != tailPool {
			return nil
		}
		line := fmt.Sprintf("%s  %-24s build=%d status=%s pool=%s worker=%s",
			ev.At.Format("15:04:05"), ev.Type, ev.BuildID, ev.Status, ev.Pool, ev.WorkerID)
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		fmt.Println(line)
		return nil
	})
}
