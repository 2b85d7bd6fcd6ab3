package logging

import "testing"

func TestConfigure_ReturnsNonNilLoggerForEachMode(t *testing.T) {
	for _, jsonLogging := range []bool{false, true} {
		for _, verbose := range []bool{false, true} {
			logger := Configure(jsonLogging, verbose)
			if logger == nil {
				t.Fatalf("Configure(%v, %v) returned nil", jsonLogging, verbose)
			}
			logger.Debug("smoke", "json", jsonLogging, "verbose", verbose)
			logger.Info("smoke", "json", jsonLogging, "verbose", verbose)
		}
	}
}
