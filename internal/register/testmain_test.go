package register_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for leaked goroutines after the register service tests;
// the network service runs background serve tasks that must stop with their
// presentation controller.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
