package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	relay "github.com/relaymq/relay-go"
	"github.com/relaymq/relay-go/messaging"
)

var (
	consumeQueue    string
	consumeExchange string
	consumeTopics   []string
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume messages and print them to stdout",
	Long: `Consume subscribes to the configured bindings, or to the queue
given with --queue, and prints each valid message as a JSON line.
Consumption runs until interrupted.`,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().StringVar(&consumeQueue, "queue", "", "queue to consume from (overrides configured bindings)")
	consumeCmd.Flags().StringVar(&consumeExchange, "exchange", "", "exchange to bind the queue to")
	consumeCmd.Flags().StringSliceVar(&consumeTopics, "topic", nil, "topic patterns to bind (repeatable)")
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := relay.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	callback := func(ctx context.Context, msg *messaging.IncomingMessage) messaging.Decision {
		line, err := json.Marshal(msg.Message)
		if err != nil {
			return messaging.Nack
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(line))
		return messaging.Ack
	}

	var bindings []messaging.Binding
	if consumeQueue != "" {
		bindings = append(bindings, messaging.Binding{
			Queue:    consumeQueue,
			Exchange: consumeExchange,
			Topics:   consumeTopics,
			Durable:  true,
		})
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	err = client.Consume(ctx, callback, bindings...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
