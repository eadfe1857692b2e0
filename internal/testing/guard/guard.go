// Package guard switches the binaries into test mode when a test package imports it, so
// the cmd entrypoints return before dialing Postgres or Redis.
package guard

import "os"

// Env is the variable app.InTestMode reads.
const Env = "ODYSSEY_TEST_MODE"

func init() {
	if _, ok := os.LookupEnv(Env); !ok {
		_ = os.Setenv(Env, "1")
	}
}
