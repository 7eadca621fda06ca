package blob

import (
	"testing"

	"register/testutil"
)

// TestOnlyBlobImportsBackends keeps the backends behind this package.
func TestOnlyBlobImportsBackends(t *testing.T) {
	const backends = "register/internal/infra/blob"
	testutil.AssertNoPackageImports(t, "register/...", func(from, to string) bool {
		return testutil.Under(to, backends) && !testutil.Under(from, "register/internal/blob") && !testutil.Under(from, backends)
	}, "blob backends are opened through internal/blob")
}
