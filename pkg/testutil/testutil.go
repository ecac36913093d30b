// Package testutil holds helpers shared by package tests.
package testutil

import (
	"encoding/hex"
	"testing"
	"time"

	"groupsync/pkg/identity"
)

// DefaultWait bounds WaitFor polling.
const DefaultWait = 20 * time.Second

// RandomAddress returns a random 0x-prefixed 20 byte hex account address.
func RandomAddress() string {
	b, err := identity.RandomBytes(20)
	if err != nil {
		panic(err)
	}
	return "0x" + hex.EncodeToString(b)
}

// WaitFor polls fn every 20ms until it returns true or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
