// Package tracker follows every disseminated message until it is complete or
// failed.
//
// Outbound messages have one slot per shard bearer or direct recipient.
// Acknowledgements fill the slots; unacknowledged shard slots are handed to
// standby validators, or to bearers that acknowledged their own shards, on each
// retry round with exponential backoff. After the last round the message is
// complete if at least DataShards bearers acknowledged their shards.
//
// Inbound messages collect shards in an arrival bitmap and complete as soon as
// enough distinct shards arrived to decode the payload, or when the full
// payload is received directly.
//
// Finished ids are remembered for a bounded window so that late duplicates are
// dropped without notifying anyone twice.
package tracker
