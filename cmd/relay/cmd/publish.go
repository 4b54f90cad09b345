package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	relay "github.com/relaymq/relay-go"
	"github.com/relaymq/relay-go/contracts"
)

var (
	publishTopic string
	publishFile  string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a message read from a file or stdin",
	Long: `Publish reads a JSON object, wraps it as a message body on the
given topic, and publishes it with broker confirms. The command exits
non-zero if the message fails validation or the broker does not confirm
it.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishTopic, "topic", "", "routing topic for the message")
	publishCmd.Flags().StringVar(&publishFile, "file", "-", "JSON body file, or - for stdin")
	publishCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var data []byte
	if publishFile == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(publishFile)
	}
	if err != nil {
		return fmt.Errorf("read message body: %w", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("message body must be a JSON object: %w", err)
	}

	client, err := relay.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	msg := contracts.NewMessage(publishTopic, body)
	if err := client.Publish(ctx, msg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published message %s on topic %q\n", msg.GetID(), publishTopic)
	return nil
}
