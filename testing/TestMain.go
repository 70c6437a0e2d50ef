package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/lumina-crm/lumina/internal/app"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("LUMINA_TEST_MODE", "1")
		// The flag may already be cached from before the env change.
		app.RefreshTestMode()
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
