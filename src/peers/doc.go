// Package peers defines the validators that take part in dissemination and
// the address book used to reach them.
//
// A validator is identified by a string id. The id keys its stake in the stake
// distribution and its reliability score in the performance tracker, while the
// network address is only used by the transport. Each validator may declare a
// network zone (a region, provider or AS label); relay selection caps the
// number of relays drawn from a single zone.
//
// Upon starting up, shardcast expects to find a validators.json file in its
// data directory. It lists the genesis validator set, including stakes, and
// doubles as the first stake distribution until an epoch-boundary snapshot is
// received from the stake feed.
package peers
