package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewmaspero/imap-icloud-migration/cmd/migrate/cmd"
)

const (
	exitCodeOK           = 0
	exitCodeUserError    = 1
	exitCodePartialFail  = 2
	exitCodeVerifyFailed = 3
	exitCodeInterrupted  = 130 // 128 + SIGINT, mirrors shell convention
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitCodeOK
	case isSignalCanceled(err, ctx):
		return exitCodeInterrupted
	case errors.Is(err, cmd.ErrPartialFailure):
		return exitCodePartialFail
	case errors.Is(err, cmd.ErrVerifyMismatch):
		return exitCodeVerifyFailed
	default:
		return exitCodeUserError
	}
}

func isSignalCanceled(err error, ctx context.Context) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled
}
