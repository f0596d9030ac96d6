package gateway

// Level tags a Notice for presentation.
type Level int

const (
	LevelInfo Level = iota
	LevelLoading
	LevelSuccess
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelLoading:
		return "loading"
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a one-off user-visible message (a toast in the web client, the
// status line in the TUI).
type Notice struct {
	Level   Level
	Message string
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}
