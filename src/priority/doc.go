// Package priority classifies consensus messages.
//
// Every message type belongs to a priority class, and the pair (class, size)
// determines how the message is disseminated: sent directly to every
// validator, erasure-coded over a relay committee, or both. The mapping is a
// pure function of the type, the size and two thresholds.
package priority
