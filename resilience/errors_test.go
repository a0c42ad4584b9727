package resilience

import (
	"errors"
	"strings"
	"testing"

	"github.com/jonwraymond/ruleops/fault"
)

func TestErrors_AreFaultKinds(t *testing.T) {
	if fault.KindOf(ErrCircuitOpen) != fault.KindCircuitOpen {
		t.Error("ErrCircuitOpen should have circuit_open kind")
	}
	if fault.KindOf(ErrRateLimitExceeded) != fault.KindRateLimitExceeded {
		t.Error("ErrRateLimitExceeded should have rate_limit_exceeded kind")
	}
	if fault.KindOf(ErrTimeout) != fault.KindTimeout {
		t.Error("ErrTimeout should have timeout kind")
	}
}

func TestRetryError(t *testing.T) {
	cause := fault.New(fault.KindNetwork, "", "", errors.New("connection reset"))
	err := &RetryError{Op: "loader.load_one", Attempts: 3, Err: cause}

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("RetryError should match ErrMaxRetriesExceeded")
	}
	if !errors.Is(err, fault.ErrNetwork) {
		t.Error("RetryError should match the last failure's kind")
	}
	msg := err.Error()
	if !strings.Contains(msg, "loader.load_one") || !strings.Contains(msg, "3 attempts") {
		t.Errorf("Error() = %q, want op name and attempt count", msg)
	}
}
