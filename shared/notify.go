package shared

// Notifier surfaces a failure to the person using the application. Managers call it
// once per failed operation, after cleanup.
type Notifier interface {
	Notify(msg string, err error)
}

type NotifierFunc func(msg string, err error)

func (f NotifierFunc) Notify(msg string, err error) {
	f(msg, err)
}

// LogNotifier reports failures through a logger only.
func LogNotifier(logger LoggerAdapter) Notifier {
	return NotifierFunc(func(msg string, err error) {
		logger.Error(msg, err)
	})
}
