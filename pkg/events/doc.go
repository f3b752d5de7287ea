// Package events fans core events out to in-process subscribers and to an
// outbound Redis stream.
//
// Every component of the system emits into a single Bus:
//
//	bus := events.NewBus()
//	sub := bus.Subscribe(events.WithBuffer(256), events.WithWait(50*time.Millisecond))
//	defer sub.Close()
//
//	for e := range sub.C() {
//	    ...
//	}
//
// Subscribers are lossy unless they subscribe WithBlocking. RedisSink reads
// a blocking subscription and redelivers failed publishes, so delivery to
// outbound consumers is at-least-once. Envelopes carry the event's dedup key
// so a consumer can drop repeats with a Deduper.
package events
