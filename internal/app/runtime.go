package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// TestModeEnv names the variable that makes the binaries skip startup.
const TestModeEnv = "OPSDASH_TEST_MODE"

var testMode struct {
	once sync.Once
	on   atomic.Bool
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testMode.once.Do(RefreshTestMode)
	return testMode.on.Load()
}

// RefreshTestMode rereads TestModeEnv. Any value strconv.ParseBool accepts
// as true turns test mode on.
func RefreshTestMode() {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(TestModeEnv)))
	testMode.on.Store(err == nil && on)
}
