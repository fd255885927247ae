package host

import "go.uber.org/zap"

// Notifier tells the surrounding environment that a generated path changed so
// it can re-read or re-cache the content. The pipeline never waits for the
// re-read to complete; Changed is fire-and-forget.
type Notifier interface {
	// Changed signals that the content at path was created or rewritten.
	Changed(path string)
	// Refresh signals that a whole batch of changes is complete.
	Refresh()
}

// LogNotifier is the default Notifier: it records change signals in the log.
// Hosts that cache generated content substitute their own implementation.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Changed(path string) {
	if n.Log != nil {
		n.Log.Debug("output changed", zap.String("path", path))
	}
}

func (n LogNotifier) Refresh() {
	if n.Log != nil {
		n.Log.Debug("output refresh requested")
	}
}
