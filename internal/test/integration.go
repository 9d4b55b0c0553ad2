package test

import (
	"os"
	"testing"
)

// IntegrationEnv enables integration tests when set to a non-empty value.
const IntegrationEnv = "CHILDPROC_INTEGRATION"

// Integration skips t unless integration tests are enabled.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test, set %s to run it", IntegrationEnv)
	}
}
