//go:build windows

package main

import "os"

// signalsToNotify returns the signals forwarded to the child process.
// On Windows, only os.Interrupt is available (Ctrl+C).
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// terminateSignal is sent to the child when the timeout expires. Windows
// has no SIGTERM equivalent.
func terminateSignal() os.Signal {
	return os.Kill
}

// disableCoreDumps is a no-op on Windows, which reports crashes through WER.
func disableCoreDumps() error {
	return nil
}
