// Package stake tracks the stake distribution used to weight relay selection.
//
// A Distribution is an immutable snapshot of the stake held by each validator
// during an epoch. The Tracker publishes the current snapshot through an atomic
// pointer: selection code captures one reference for the duration of a call
// and never sees a torn update, while the stake feed installs the next epoch's
// snapshot at a boundary. Snapshots can be persisted in a Badger database so a
// restarting node resumes from the last epoch it saw.
package stake
