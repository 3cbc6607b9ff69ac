//go:build !unix

package main

import "os"

// notifySweep is a no-op where SIGUSR1 does not exist.
func notifySweep(c chan<- os.Signal) {}
