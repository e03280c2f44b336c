package notify

import "github.com/rs/zerolog"

// LogNotifier writes notification requests to the log. Used where no
// platform notifier exists.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(conversationID, title, body string) {
	n.logger.Info().Str("conversation_id", conversationID).Str("title", title).Str("body", body).Msg("notify")
}

func (n *LogNotifier) Cancel(conversationID string) {
	n.logger.Debug().Str("conversation_id", conversationID).Msg("cancel notification")
}

func (n *LogNotifier) CancelAll() {
	n.logger.Debug().Msg("cancel all notifications")
}
