//go:build windows

package cmd

import (
	"os"
	"syscall"
)

// gracefulSignals are the signals that trigger an orderly shutdown.
// Windows only delivers os.Interrupt through signal.NotifyContext.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive reports whether proc still exists. Windows has no
// zero-signal probe, so it opens the process by pid and reads its exit
// code: a process that cannot be opened, or whose exit code is no longer
// STILL_ACTIVE (259), has exited.
func processIsAlive(proc *os.Process) bool {
	const stillActive = 259
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// sendGracefulStop asks proc to shut down. Windows has no SIGTERM
// equivalent deliverable across processes, so this sends os.Interrupt
// and relies on the receiving process's signal.NotifyContext to treat
// it the same as SIGTERM does on unix.
func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(os.Interrupt)
}
