package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/drshumard/Larynx/internal/interface/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
