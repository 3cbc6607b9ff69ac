//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifySweep delivers SIGUSR1 on c. Operators send it to force a sweep.
func notifySweep(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGUSR1)
}
