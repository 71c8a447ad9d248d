package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// startOxia returns the address of an Oxia server for integration tests.
// OXIA_SERVICE_ADDRESS points the tests at an existing cluster; otherwise
// an embedded standalone server runs in a temp dir until the test ends.
func startOxia(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		return addr
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("start embedded oxia: %v", err)
	}
	t.Cleanup(func() { _ = standalone.Close() })
	return standalone.ServiceAddr()
}
