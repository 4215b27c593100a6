//go:build !windows

package main

import (
	"os"
	"syscall"
)

// signalsToNotify returns the signals forwarded to the child process
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}

// terminateSignal is sent to the child when the timeout expires
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}

// disableCoreDumps sets RLIMIT_CORE to 0 so decrypted values never reach a core file
func disableCoreDumps() error {
	return syscall.Setrlimit(syscall.RLIMIT_CORE, &syscall.Rlimit{Cur: 0, Max: 0})
}
