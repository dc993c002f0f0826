// Package testing switches the binaries into test mode. Test packages import
// it for side effects.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var ensureTestMode = sync.OnceFunc(func() {
	_ = os.Setenv("OPSDASH_TEST_MODE", "1")
	if os.Getenv("LOG_LEVEL") == "" {
		_ = os.Setenv("LOG_LEVEL", "error")
	}
})

func init() {
	ensureTestMode()
}

// TestMain runs m with test mode on.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
