package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/histstream"
)

func main() {
	flow, err := histstream.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, batches, closeBatches := histstream.NewChannelConsumer("fanout", 32)
	defer closeBatches()

	go fanoutWorker("ingest", batches)

	if err := flow.Run(ctx, histstream.StreamOutConsumer(consumer)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

// fanoutWorker only prints; a receive from the channel is what acknowledges a batch.
func fanoutWorker(name string, batches <-chan []histstream.Message) {
	for batch := range batches {
		fmt.Printf("[%s] received %d messages (seq %d..%d) at %s\n",
			name, len(batch), batch[0].Sequence, batch[len(batch)-1].Sequence,
			time.Now().Format(time.RFC3339))
	}
}
