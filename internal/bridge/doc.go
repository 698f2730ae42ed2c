// Package bridge relays published messages through an external broker so that
// every process sharing the broker observes one logical channel space.
//
// Outbound messages go into a bounded outbox drained by a fixed pool of
// flushers, which publish them to the broker in batches under a private topic
// prefix. A single listener subscribes to the whole prefix and hands every
// inbound message to the local dispatcher, including messages this process
// published itself.
package bridge
