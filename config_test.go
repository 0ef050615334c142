package paygate

import (
	"testing"
	"time"
)

func TestTimeoutConfigWithDefaults(t *testing.T) {
	got := TimeoutConfig{}.WithDefaults()
	if got != DefaultTimeouts {
		t.Errorf("WithDefaults() on zero config = %+v, want %+v", got, DefaultTimeouts)
	}
}

func TestTimeoutConfigWithDefaultsKeepsSetFields(t *testing.T) {
	custom := TimeoutConfig{VerifyTimeout: 2 * time.Second}
	got := custom.WithDefaults()
	if got.VerifyTimeout != 2*time.Second {
		t.Errorf("VerifyTimeout = %v, want the configured 2s", got.VerifyTimeout)
	}
	if got.SettleTimeout != DefaultTimeouts.SettleTimeout {
		t.Errorf("SettleTimeout = %v, want default %v", got.SettleTimeout, DefaultTimeouts.SettleTimeout)
	}
	if got.RequestTimeout != DefaultTimeouts.RequestTimeout {
		t.Errorf("RequestTimeout = %v, want default %v", got.RequestTimeout, DefaultTimeouts.RequestTimeout)
	}
}
