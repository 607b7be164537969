// Package relay selects the validators that carry a message.
//
// Selection is a pure function of the message id, the stake snapshot, the
// performance snapshot and the dissemination strategy. Every node computing
// the assignment for the same message against the same snapshots obtains the
// same ordered relays, without exchanging anything: the randomness of the
// weighted draw comes from a BLAKE2b counter-mode stream keyed by the message
// id.
//
// A peer's weight is
//
//	StakeWeight*stakeFraction + ScoreWeight*score
//
// and the committee is drawn by weighted sampling without replacement, with a
// cap on the number of relays drawn from a single network zone.
package relay
