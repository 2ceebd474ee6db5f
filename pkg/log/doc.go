/*
Package log provides structured logging for txrelay using zerolog.

The package wraps a single global zerolog.Logger. Components derive a child
logger once at construction with WithComponent and decorate it per record with
WithSubscriptionID, WithNotificationID or WithTransactionID, so every line
emitted while handling a delivery can be correlated with the row it touched.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Level filters messages below the threshold (debug, info, warn, error; info
when empty). JSONOutput selects JSON lines over the human console writer.
Output defaults to stdout.

# Usage

	logger := log.WithComponent("dispatcher")
	l := log.WithNotificationID(logger, n.ID)
	l.Warn().Err(err).Int("tries_left", n.TriesLeft).Msg("webhook delivery failed")

Until Init is called the global logger is the zerolog zero value, which
discards everything. Tests rely on that.
*/
package log
