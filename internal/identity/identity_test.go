package identity_test

import (
	"strings"
	"testing"

	"github.com/mtx-seshat/seshat/internal/identity"
)

func TestNewPendingWriteIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := identity.NewPendingWriteID()
		if !strings.HasPrefix(id, "pw_") {
			t.Fatalf("expected pw_ prefix, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}
