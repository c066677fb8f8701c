// Command latchctl acquires, inspects and releases locks from the shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := submain(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
