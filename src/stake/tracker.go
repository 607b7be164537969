package stake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/sirupsen/logrus"
)

// Store persists stake snapshots so a restarting node resumes from the last
// epoch it saw.
type Store interface {
	Save(d *Distribution) error
	Last() (*Distribution, error)
	Close() error
}

// Tracker holds the current stake Distribution. Readers take the snapshot
// reference returned by Current and use it for the whole duration of an
// operation; writers install a complete new snapshot with a single atomic
// store, so readers never block and never observe a partial update.
type Tracker struct {
	current atomic.Pointer[Distribution]

	// serializes writers; readers never take it
	installLock sync.Mutex
	onInstall   []func(*Distribution)

	store  Store
	logger *logrus.Entry
}

// NewTracker creates a Tracker starting from the genesis snapshot. When a store
// is provided and holds a snapshot from the same or a later epoch, that
// snapshot is used instead.
func NewTracker(genesis *Distribution, store Store, logger *logrus.Entry) (*Tracker, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	t := &Tracker{
		store:  store,
		logger: logger.WithField("component", "stake"),
	}

	initial := genesis

	if store != nil {
		last, err := store.Last()
		switch {
		case err == nil && (initial == nil || last.Epoch() >= initial.Epoch()):
			t.logger.WithField("epoch", last.Epoch()).Debug("Loaded stake snapshot from store")
			initial = last
		case err != nil && !cm.IsStore(err, cm.KeyNotFound):
			return nil, err
		}
	}

	if initial == nil {
		return nil, fmt.Errorf("no stake snapshot available")
	}

	if store != nil {
		if err := store.Save(initial); err != nil {
			return nil, err
		}
	}

	t.current.Store(initial)

	return t, nil
}

// Current returns the latest installed snapshot.
func (t *Tracker) Current() *Distribution {
	return t.current.Load()
}

// OnInstall registers a callback invoked after each snapshot installed by
// Install, in epoch order.
func (t *Tracker) OnInstall(f func(*Distribution)) {
	t.installLock.Lock()
	defer t.installLock.Unlock()
	t.onInstall = append(t.onInstall, f)
}

// Install atomically replaces the current snapshot. Epochs must be strictly
// increasing.
func (t *Tracker) Install(d *Distribution) error {
	if d == nil {
		return fmt.Errorf("nil stake snapshot")
	}

	t.installLock.Lock()
	defer t.installLock.Unlock()

	cur := t.current.Load()
	if d.Epoch() <= cur.Epoch() {
		return cm.NewRouteErr("stake", cm.StaleStakeSnapshot,
			fmt.Sprintf("epoch %d <= current %d", d.Epoch(), cur.Epoch()))
	}

	if t.store != nil {
		if err := t.store.Save(d); err != nil {
			return err
		}
	}

	t.current.Store(d)

	for _, f := range t.onInstall {
		f(d)
	}

	t.logger.WithFields(logrus.Fields{
		"epoch":      d.Epoch(),
		"validators": d.Len(),
		"total":      d.Total(),
	}).Info("Installed stake snapshot")

	return nil
}

// IsStale reports whether d can no longer be used for relay selection: it
// belongs to an epoch older than the installed one or its validity period has
// ended.
func (t *Tracker) IsStale(d *Distribution, now time.Time) bool {
	return d.Epoch() < t.current.Load().Epoch() || d.Expired(now)
}

// Follow installs snapshots received from an external stake feed until ctx is
// done or the feed is closed. Rejected snapshots are logged and skipped.
func (t *Tracker) Follow(ctx context.Context, feed <-chan *Distribution) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-feed:
			if !ok {
				return
			}
			if err := t.Install(d); err != nil {
				t.logger.WithError(err).Warn("Rejected stake snapshot")
			}
		}
	}
}
