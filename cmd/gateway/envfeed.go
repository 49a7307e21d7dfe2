package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/latticeiot/abacgate/pkg/statebus"
)

// envFeed holds the most recently ingested environment snapshot, fed by a
// SIEM/monitoring Kafka topic. requestAccess/checkAccess fall back to it
// when a caller's request body omits the environment block entirely, so a
// gateway can be driven purely by upstream monitoring signals.
type envFeed struct {
	mu      sync.RWMutex
	current envDoc
}

func (f *envFeed) Set(doc envDoc) {
	f.mu.Lock()
	f.current = doc
	f.mu.Unlock()
}

func (f *envFeed) Get() envDoc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// consumeEnvFeed reads SIEM-published environment snapshots from consumer
// until ctx is cancelled or the consumer is closed. Each message is decoded
// as an envDoc; malformed messages are logged and skipped rather than
// killing the loop.
func consumeEnvFeed(ctx context.Context, consumer statebus.Consumer, feed *envFeed) {
	defer consumer.Close()
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("gateway: env feed read failed: %v", err)
			continue
		}
		var doc envDoc
		if err := json.Unmarshal(msg.Value, &doc); err != nil {
			log.Printf("gateway: env feed decode failed: %v", err)
			continue
		}
		feed.Set(doc)
	}
}
