package loopbridge

import (
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// logLimiter rate-limits repeated log lines (spurious wakes, parked-worker
// warnings, recovered panics), keyed by logCategory.
var logLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 2,
	time.Minute: 20,
})

type logCategory struct {
	component string
	kind      string
}

// allowLog reports whether a rate-limited log line may be written now.
func allowLog(component, kind string) bool {
	_, ok := logLimiter.Allow(logCategory{component: component, kind: kind})
	return ok
}

// exit is replaced in tests.
var exit = os.Exit

func defaultViolationHandler(logger *logiface.Logger[logiface.Event]) func(error) {
	return func(err error) {
		logger.Emerg().
			Err(err).
			Log("loopbridge: protocol violation, terminating")
		exit(2)
	}
}
