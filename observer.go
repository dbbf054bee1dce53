package mcp

import "log/slog"

// Observer receives the notable events of the server. Implementations must be safe for
// concurrent use.
type Observer interface {
	// ParseFailed reports a document whose content could not be parsed.
	ParseFailed(documentID, path string, err error)
	// ToolFailed reports a tools/call that ended with an error.
	ToolFailed(sessionID, tool string, err error)
	// SessionClosed reports a session that reached its terminal state.
	SessionClosed(sessionID, transport string)
}

// LogObserver is an Observer writing every event to a slog.Logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an Observer logging to logger, or to slog.Default when logger is nil.
func NewLogObserver(logger *slog.Logger) LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return LogObserver{logger: logger.With(slog.String("component", "observer"))}
}

// ParseFailed implements Observer.
func (o LogObserver) ParseFailed(documentID, path string, err error) {
	o.logger.Warn("document parse failed",
		slog.String("documentID", documentID),
		slog.String("path", path),
		slog.String("err", err.Error()))
}

// ToolFailed implements Observer.
func (o LogObserver) ToolFailed(sessionID, tool string, err error) {
	o.logger.Info("tool call failed",
		slog.String("sessionID", sessionID),
		slog.String("tool", tool),
		slog.String("err", err.Error()))
}

// SessionClosed implements Observer.
func (o LogObserver) SessionClosed(sessionID, transport string) {
	o.logger.Info("session closed",
		slog.String("sessionID", sessionID),
		slog.String("transport", transport))
}
