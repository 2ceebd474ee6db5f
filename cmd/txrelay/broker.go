package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/txrelay/pkg/broker"
	"github.com/cuemby/txrelay/pkg/config"
	"github.com/cuemby/txrelay/pkg/log"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one JSON message to a broker topic",
	Example: `  txrelay send --topic transactions.submit \
    --body '{"tags":["transfer-1"],"webhookUrl":"https://example.com/hooks/tx"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		body, _ := cmd.Flags().GetString("body")

		var payload json.RawMessage
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			return fmt.Errorf("body must be valid JSON: %w", err)
		}

		gw, err := openGateway(cmd)
		if err != nil {
			return err
		}
		defer shutdownGateway(gw)

		receipt, err := gw.SendMessage(cmd.Context(), broker.Topic(topic), payload)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Sent message %s to %s\n", receipt.ID, receipt.Topic)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print every message arriving on a broker queue",
	Long: `Consume a broker queue and print each message body as one JSON line.
Messages are accepted once printed. Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")

		gw, err := openGateway(cmd)
		if err != nil {
			return err
		}
		defer shutdownGateway(gw)

		encoder := json.NewEncoder(os.Stdout)
		listener, err := broker.Listen(cmd.Context(), gw, broker.Queue(queue), func(ctx context.Context, body json.RawMessage) error {
			return encoder.Encode(body)
		})
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			return nil
		case <-listener.Done():
			return listener.Err()
		}
	},
}

func init() {
	sendCmd.Flags().String("topic", string(broker.TopicTransactionsSubmit), "Topic to send to")
	sendCmd.Flags().String("body", "", "JSON message body")
	_ = sendCmd.MarkFlagRequired("body")

	listenCmd.Flags().String("queue", string(broker.QueueTransactionEvents), "Queue to consume")
}

func openGateway(cmd *cobra.Command) (*broker.Gateway, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	gw, err := broker.New(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("%w: set broker.host or %sBROKER_HOST", err, config.EnvPrefix)
	}
	return gw, nil
}

func shutdownGateway(gw *broker.Gateway) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("broker shutdown finished with errors")
	}
}
