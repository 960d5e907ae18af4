// Package perf records how long browser platform calls take.
//
// Set TABPROXY_PERF=1 to append timings to <state dir>/perf.log.
package perf

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/brendandebeasi/tabproxy/pkg/paths"
)

var (
	mu       sync.Mutex
	out      io.Writer
	initOnce sync.Once
)

func ensureInit() {
	initOnce.Do(func() {
		if os.Getenv("TABPROXY_PERF") != "1" {
			return
		}
		if _, err := paths.EnsureStateDir(); err != nil {
			return
		}
		f, err := os.OpenFile(paths.StatePath("perf.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		out = f
	})
}

// SetOutput redirects timings to w; nil disables them.
func SetOutput(w io.Writer) {
	ensureInit()
	mu.Lock()
	out = w
	mu.Unlock()
}

// Timer tracks elapsed time for a named operation
type Timer struct {
	name  string
	start time.Time
}

// Start begins timing an operation
func Start(name string, args ...any) *Timer {
	if len(args) > 0 {
		name = fmt.Sprintf(name, args...)
	}
	return &Timer{name: name, start: time.Now()}
}

// Stop ends timing and logs the result
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	ensureInit()
	mu.Lock()
	if out != nil {
		fmt.Fprintf(out, "%s: %s: %v\n", time.Now().Format("15:04:05.000"), t.name, elapsed)
	}
	mu.Unlock()
	return elapsed
}

// Track times fn and returns its error.
func Track(name string, fn func() error) error {
	t := Start(name)
	err := fn()
	t.Stop()
	return err
}
