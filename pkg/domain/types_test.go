package domain

import "testing"

func TestReceiptStatusTerminal(t *testing.T) {
	for status, want := range map[ReceiptStatus]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
