package shardcast

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mosaicnetworks/shardcast/src/config"
	"github.com/mosaicnetworks/shardcast/src/erasure"
	"github.com/mosaicnetworks/shardcast/src/net"
	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/mosaicnetworks/shardcast/src/performance"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/relay"
	"github.com/mosaicnetworks/shardcast/src/router"
	"github.com/mosaicnetworks/shardcast/src/service"
	"github.com/mosaicnetworks/shardcast/src/stake"
	"github.com/mosaicnetworks/shardcast/src/tracker"
	"github.com/sirupsen/logrus"
)

// genesisEpoch is the epoch of the stake distribution built from the
// validators file.
const genesisEpoch = 0

// Shardcast is the engine of a dissemination node. It reads the validator set,
// builds every component from the configuration and runs the router.
//
// Validators and Transport may be set before Init, in which case they are used
// instead of the validators file and the TCP transport.
type Shardcast struct {
	Config      *config.Config
	Validators  *peers.ValidatorSet
	Store       stake.Store
	Stakes      *stake.Tracker
	Performance *performance.Tracker
	Prioritizer *priority.Prioritizer
	Relays      *relay.Manager
	Codec       *erasure.Codec
	Tracker     *tracker.Tracker
	Transport   net.Transport
	Router      *router.Router
	Service     *service.Service

	// Clock drives the delivery tracker and the expiry of stake snapshots.
	// Nil means real time.
	Clock tracker.Clock

	// the address book is reloaded from the validators file at each epoch,
	// unless Validators was set before Init
	validatorsFile bool

	cancelFollow context.CancelFunc

	logger *logrus.Entry
}

// NewShardcast is a factory method to produce a Shardcast instance.
func NewShardcast(c *config.Config) *Shardcast {
	return &Shardcast{
		Config: c,
		logger: c.Logger(),
	}
}

func (s *Shardcast) initValidators() error {
	if s.Validators != nil {
		return nil
	}

	set, err := s.readValidators()
	if err != nil {
		return err
	}

	s.Validators = set
	s.validatorsFile = true

	return nil
}

func (s *Shardcast) readValidators() (*peers.ValidatorSet, error) {
	set, err := peers.NewJSONValidatorSet(s.Config.DataDir).ValidatorSet()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Config.ValidatorsFile(), err)
	}
	if set == nil || set.Len() == 0 {
		return nil, fmt.Errorf("%s defines no validator", s.Config.ValidatorsFile())
	}
	return set, nil
}

func (s *Shardcast) initStore() error {
	if !s.Config.Store {
		s.logger.Debug("Stake snapshots are not persisted")
		return nil
	}

	dbPath := s.Config.DatabaseDir

	s.logger.WithField("path", dbPath).Debug("Attempting to load or create database")

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return err
	}

	store, err := stake.LoadOrCreateBadgerStore(dbPath, s.logger)
	if err != nil {
		return err
	}

	s.Store = store

	return nil
}

func (s *Shardcast) initStakes() error {
	genesis, err := stake.FromValidatorSet(genesisEpoch, time.Time{}, s.Validators)
	if err != nil {
		return err
	}

	s.Stakes, err = stake.NewTracker(genesis, s.Store, s.logger)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"epoch":      s.Stakes.Current().Epoch(),
		"validators": s.Stakes.Current().Len(),
	}).Debug("Stake snapshot")

	return nil
}

func (s *Shardcast) initTransport() error {
	if s.Transport != nil {
		return nil
	}

	wireCodec, err := net.NewWireCodec(s.Config.WireCodec)
	if err != nil {
		return err
	}

	transport, err := net.NewTCPTransport(net.TCPConfig{
		BindAddr:      s.Config.BindAddr,
		AdvertiseAddr: s.Config.AdvertiseAddr,
		MaxPool:       s.Config.MaxPool,
		Timeout:       s.Config.TCPTimeout,
		WireCodec:     wireCodec,
		InboundRate:   s.Config.InboundRate,
		InboundBurst:  s.Config.InboundBurst,
	}, s.logger.WithField("component", "transport"))
	if err != nil {
		return err
	}

	s.Transport = transport

	return nil
}

func (s *Shardcast) initRouter() error {
	c := s.Config

	if _, ok := s.Validators.ByID[c.ValidatorID]; !ok {
		return fmt.Errorf("validator %q is not in the validator set", c.ValidatorID)
	}

	var err error

	s.Prioritizer, err = priority.NewPrioritizer(c.SmallThreshold, c.LargeThreshold)
	if err != nil {
		return err
	}

	s.Codec, err = erasure.NewCodec(c.DataShards, c.ParityShards)
	if err != nil {
		return err
	}

	s.Performance = performance.NewTracker(performance.Config{
		Decay:          c.ScoreDecay,
		LatencyPenalty: c.LatencyPenalty,
		LatencyCeiling: c.LatencyCeiling,
	})

	s.Relays = relay.NewManager(relay.Config{
		DataShards:   c.DataShards,
		ParityShards: c.ParityShards,
		DirectFanout: c.DirectFanout,
		StakeWeight:  c.StakeWeight,
		ScoreWeight:  c.ScoreWeight,
		MaxZoneShare: c.MaxZoneShare,
		ZoneAttempts: c.ZoneAttempts,
	}, s.Prioritizer, s.Stakes, s.logger)

	if s.Clock != nil {
		s.Relays.SetNow(s.Clock.Now)
	}

	s.Tracker = tracker.NewTracker(tracker.Config{
		RetryTimeout:   c.RetryTimeout,
		Backoff:        c.Backoff,
		MaxRetries:     c.MaxRetries,
		InboundTimeout: c.InboundTimeout,
		MaxInFlight:    c.MaxInFlight,
		DedupWindow:    c.DedupWindow,
		DedupCapacity:  c.DedupCapacity,
	}, s.Clock, s.logger)

	s.Router, err = router.NewRouter(router.Config{
		ID:          c.ValidatorID,
		Validators:  s.Validators,
		Stakes:      s.Stakes,
		Performance: s.Performance,
		Prioritizer: s.Prioritizer,
		Relays:      s.Relays,
		Codec:       s.Codec,
		Tracker:     s.Tracker,
		Transport:   s.Transport,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}

	s.Stakes.OnInstall(s.refreshAddresses)

	return nil
}

// refreshAddresses runs after a new stake epoch is installed. The address book
// is reloaded from the validators file so that validators joining in this epoch
// can be reached. Active validators still missing from it cannot serve as
// relays until they are added.
func (s *Shardcast) refreshAddresses(d *stake.Distribution) {
	if s.validatorsFile {
		set, err := s.readValidators()
		if err != nil {
			s.logger.WithError(err).Warn("Keeping the current address book")
		} else {
			s.Router.SetValidators(set)
		}
	}

	book := s.Router.Validators()

	var missing []string
	for _, e := range d.Active() {
		if _, ok := book.Addr(e.ID); !ok {
			missing = append(missing, e.ID)
		}
	}

	if len(missing) > 0 {
		s.logger.WithFields(logrus.Fields{
			"epoch":   d.Epoch(),
			"missing": missing,
		}).Warn("Active validators without an address")
	}
}

func (s *Shardcast) initService() error {
	if !s.Config.NoService {
		s.Service = service.NewService(s.Config.ServiceAddr, s.Router, s.Stakes, s.Performance, s.logger)
	}
	return nil
}

// Init validates the configuration and initialises the components in order.
func (s *Shardcast) Init() error {
	if err := s.Config.Validate(); err != nil {
		return err
	}

	if err := s.initValidators(); err != nil {
		return err
	}

	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initStakes(); err != nil {
		return err
	}

	if err := s.initTransport(); err != nil {
		return err
	}

	if err := s.initRouter(); err != nil {
		return err
	}

	if err := s.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service and the transport listener, then processes inbound
// units until Shutdown.
func (s *Shardcast) Run() {
	if s.Service != nil {
		go s.Service.Serve()
	}

	go s.Transport.Listen()

	s.Router.Run()
}

// RunAsync calls Run in a separate goroutine.
func (s *Shardcast) RunAsync() {
	go s.Run()
}

// FollowStakes installs the stake snapshots published on feed until Shutdown.
// The address book is refreshed after every installed epoch.
func (s *Shardcast) FollowStakes(feed <-chan *stake.Distribution) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFollow = cancel
	go s.Stakes.Follow(ctx, feed)
}

// Route disseminates a message.
func (s *Shardcast) Route(ctx context.Context, msg *router.Message) (*router.Receipt, error) {
	return s.Router.Route(ctx, msg)
}

// Shutdown closes the transport, waits for the router, then stops the timers,
// the service and the store.
func (s *Shardcast) Shutdown() {
	s.logger.Debug("Shutdown")

	if s.cancelFollow != nil {
		s.cancelFollow()
	}

	// unblock dispatches waiting on the network before waiting for them
	if s.Transport != nil {
		s.Transport.Close()
	}

	if s.Router != nil {
		s.Router.Shutdown()
	}

	if s.Tracker != nil {
		s.Tracker.Close()
	}

	if s.Service != nil {
		s.Service.Close()
	}

	if s.Store != nil {
		s.Store.Close()
	}
}
