// Package broadcast delivers published messages to the connections held in
// this process's channel tree.
//
// A path addresses either one channel exactly ("room/42") or every channel
// below it ("room/42/"). Delivery is sequential over snapshots of each node's
// connection set; a connection whose send fails is evicted and the rest of the
// batch still receives the message.
package broadcast
