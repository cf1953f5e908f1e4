/*
Package events provides the ordered event broker behind worker handles.

Every worker handle owns one Broker. The handle's demultiplexer publishes
the worker's lifecycle events into it as they arrive from the node, and any
number of subscribers consume them through buffered channels.

# Architecture

	┌──────────────────── WORKER HANDLE ───────────────────────┐
	│                                                           │
	│  event stream ──► demultiplexer ──► Broker.Publish        │
	│                                        │                  │
	│                     ┌──────────────────┼────────────┐     │
	│                     ▼                  ▼            ▼     │
	│                subscriber 1      subscriber 2   … (each   │
	│                (chan Event)      (chan Event)    buffered)│
	└───────────────────────────────────────────────────────────┘

The event set is closed: online, message, exit, error. Standard output and
standard error are not events but byte streams carried separately by the
handle, so the broker never sees bulk data.

The broker keeps the full event history and replays it into every new
subscription before live delivery. Subscribing is therefore raceless: a
listener attached after the worker came online, or even after it exited,
still observes the complete ordered sequence.

# Ordering and backpressure

Delivery is lossless and ordered. Publish blocks until every subscriber has
taken the event, so a slow consumer throttles the demultiplexer (and, through
TCP flow control, the node) rather than forcing the broker to drop or
reorder. This is what makes "online precedes message, terminal event last"
hold at the subscriber, not just on the wire.

A subscriber that is done listening calls Unsubscribe, which also unblocks
any publisher currently waiting on it.

# Usage

	sub := handle.Subscribe()
	defer handle.Unsubscribe(sub)

	for ev := range sub.C() {
		switch ev.Type {
		case events.TypeMessage:
			process(ev.Data)
		case events.TypeExit:
			fmt.Println("exit code", ev.Code)
		case events.TypeError:
			return ev.Err
		}
	}

The channel closes after the terminal event (exit or error), so ranging over
it terminates naturally.
*/
package events
