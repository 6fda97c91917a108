//go:build windows

package main

import (
	"os"
	"testing"
)

func notifyShutdown(t *testing.T) {
	t.Helper()
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("finding self process: %v", err)
	}
	if err := p.Signal(os.Interrupt); err != nil {
		t.Fatalf("sending interrupt to self: %v", err)
	}
}
