package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	logOnce   sync.Once
	logOutput *log.Logger
)

// Logger hands out the process-wide JSON-line logger. Every package writes
// through it so log consumers see a single stream of one-object-per-line
// entries on stdout.
func Logger() *log.Logger {
	logOnce.Do(func() {
		logOutput = log.New(os.Stdout, "", 0)
	})
	return logOutput
}

// LogRequest serializes the entry as one JSON line. Marshal failures are
// reported in-band rather than dropped silently.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
