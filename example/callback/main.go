package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/histstream/pkg/histstream"
)

func main() {
	flow, err := histstream.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch []histstream.Message) error {
		for _, m := range batch {
			fmt.Printf("%s seq=%d entry=%s alias=%s value=%g quality=%s\n",
				m.IngestTime.Format(time.RFC3339Nano),
				m.Sequence,
				m.EntryID,
				m.PropertyAlias,
				m.Value,
				m.Quality,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, histstream.StreamOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
