package provider

import (
	"github.com/sirupsen/logrus"
)

// runWithRecovery runs fn in a new goroutine with panic recovery.
func runWithRecovery(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("prefix", "BridgeProvider").Errorf("recovered from panic: %v", r)
			}
		}()
		fn()
	}()
}
