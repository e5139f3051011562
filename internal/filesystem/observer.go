package filesystem

// Observer records retry activity. The metrics package provides the
// implementation; filesystem only sees this interface.
type Observer interface {
	ObserveRetryAttempt(op, volume string)
	ObserveRetrySuccess(op, volume string)
	ObserveRetryFailure(op, volume string)
	ObserveRetryDuration(op, volume string, durationSeconds float64)
	ObserveStaleError(op, volume string)
}

// defaultObserver is nil until SetObserver is called; observe() callers must
// handle that, which keeps tests free of metric registration.
var defaultObserver Observer

// SetObserver sets the package-level observer. Call once at startup.
func SetObserver(o Observer) {
	defaultObserver = o
}

func observe() Observer {
	return defaultObserver
}
