package service

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/performance"
	"github.com/mosaicnetworks/shardcast/src/router"
	"github.com/mosaicnetworks/shardcast/src/stake"
	"github.com/mosaicnetworks/shardcast/src/tracker"
	"github.com/sirupsen/logrus"
)

// Service exposes the state of a node over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	router      *router.Router
	stakes      *stake.Tracker
	perf        *performance.Tracker
	mux         *http.ServeMux
	server      *http.Server
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string,
	r *router.Router,
	stakes *stake.Tracker,
	perf *performance.Tracker,
	logger *logrus.Entry) *Service {

	service := Service{
		bindAddress: bindAddress,
		router:      r,
		stakes:      stakes,
		perf:        perf,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	service.server = &http.Server{
		Addr:    bindAddress,
		Handler: service.mux,
	}

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering shardcast API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/status/", s.makeHandler(s.GetStatus))
	s.mux.HandleFunc("/stake", s.makeHandler(s.GetStake))
	s.mux.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	s.mux.HandleFunc("/payload/", s.makeHandler(s.GetPayload))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the handler serving the API.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve listens on the bind address and serves the API. This is a blocking
// call which returns when Close is called.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving shardcast API")

	ln, err := net.Listen("tcp", s.bindAddress)
	if err != nil {
		s.logger.Error(err)
		return
	}

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Close stops the server.
func (s *Service) Close() error {
	return s.server.Close()
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.router.Stats()

	u := func(v uint64) string { return strconv.FormatUint(v, 10) }

	res := map[string]string{
		"id":                s.router.ID(),
		"routed":            u(stats.Routed),
		"fallbacks":         u(stats.Fallbacks),
		"dispatched":        u(stats.Dispatched),
		"dispatch_failures": u(stats.DispatchFailures),
		"forwarded":         u(stats.Forwarded),
		"rejected":          u(stats.Rejected),
		"outbound":          u(stats.Tracker.Outbound),
		"inbound":           u(stats.Tracker.Inbound),
		"in_flight":         strconv.Itoa(stats.Tracker.InFlight),
		"completed":         u(stats.Tracker.Completed),
		"failed":            u(stats.Tracker.Failed),
		"retries":           u(stats.Tracker.Retries),
		"duplicates":        u(stats.Tracker.Duplicates),
		"evicted":           u(stats.Tracker.Evicted),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}

// RecordInfo is the JSON view of a delivery record.
type RecordInfo struct {
	MessageID   string         `json:"message_id"`
	Direction   string         `json:"direction"`
	Status      string         `json:"status"`
	MessageType string         `json:"message_type"`
	Priority    string         `json:"priority"`
	Strategy    string         `json:"strategy,omitempty"`
	Slots       []tracker.Slot `json:"slots,omitempty"`
	Acked       []int          `json:"acked,omitempty"`
	Failed      []string       `json:"failed,omitempty"`
	Received    int            `json:"received"`
	Retries     int            `json:"retries"`
	Created     time.Time      `json:"created"`
	Finished    *time.Time     `json:"finished,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func newRecordInfo(rec tracker.Record) RecordInfo {
	info := RecordInfo{
		MessageID:   cm.EncodeToString(rec.MessageID[:]),
		Direction:   rec.Direction.String(),
		Status:      rec.Status.String(),
		MessageType: rec.MessageType.String(),
		Priority:    rec.Priority.String(),
		Slots:       rec.Slots,
		Acked:       rec.Acked,
		Failed:      rec.Failed,
		Received:    rec.Received,
		Retries:     rec.Retries,
		Created:     rec.Created,
	}
	if rec.Direction == tracker.Outbound {
		info.Strategy = rec.Strategy.String()
	}
	if !rec.Finished.IsZero() {
		finished := rec.Finished
		info.Finished = &finished
	}
	if rec.Reason != nil {
		info.Reason = rec.Reason.Error()
	}
	return info
}

// GetStatus returns the delivery record of the message whose hex id follows
// /status/.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r.URL.Path[len("/status/"):])
	if !ok {
		return
	}

	rec, err := s.router.Record(id)

	if err != nil {
		status := http.StatusInternalServerError
		if cm.Is(err, cm.UnknownMessage) {
			status = http.StatusNotFound
		}

		http.Error(w, err.Error(), status)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(newRecordInfo(rec))
}

// GetPayload returns the raw payload of a message this node received and
// rebuilt.
func (s *Service) GetPayload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r.URL.Path[len("/payload/"):])
	if !ok {
		return
	}

	payload, ok := s.router.Payload(id)
	if !ok {
		http.Error(w, "payload not available", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")

	w.Write(payload)
}

func (s *Service) parseID(w http.ResponseWriter, param string) ([32]byte, bool) {
	var id [32]byte

	raw, err := cm.DecodeFromString(param)
	if err != nil || len(raw) != len(id) {
		s.logger.WithField("param", param).Debug("Parsing message id")

		http.Error(w, "invalid message id", http.StatusBadRequest)

		return id, false
	}

	copy(id[:], raw)

	return id, true
}

// StakeInfo is the JSON view of the current stake snapshot.
type StakeInfo struct {
	Epoch    uint64        `json:"epoch"`
	NotAfter *time.Time    `json:"not_after,omitempty"`
	Total    uint64        `json:"total"`
	Entries  []stake.Entry `json:"entries"`
}

// GetStake returns the current stake snapshot.
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	d := s.stakes.Current()

	if d == nil {
		http.Error(w, "no stake snapshot", http.StatusNotFound)

		return
	}

	info := StakeInfo{
		Epoch:   d.Epoch(),
		Total:   d.Total(),
		Entries: d.Entries(),
	}
	if na := d.NotAfter(); !na.IsZero() {
		info.NotAfter = &na
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(info)
}

// PeerInfo is the JSON view of what a node knows about another validator.
type PeerInfo struct {
	ID            string  `json:"id"`
	Zone          string  `json:"zone,omitempty"`
	Stake         uint64  `json:"stake"`
	Fraction      float64 `json:"fraction"`
	Score         float64 `json:"score"`
	MedianLatency string  `json:"median_latency"`
	Reachable     bool    `json:"reachable"`
}

// GetPeers returns the stake, reliability score and median delivery latency of
// every validator of the current stake snapshot.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	d := s.stakes.Current()
	book := s.router.Validators()
	scores := s.perf.Snapshot()

	res := make([]PeerInfo, 0, d.Len())
	for _, e := range d.Entries() {
		_, reachable := book.Addr(e.ID)
		res = append(res, PeerInfo{
			ID:            e.ID,
			Zone:          e.Zone,
			Stake:         e.Stake,
			Fraction:      d.Fraction(e.ID),
			Score:         scores.Score(e.ID),
			MedianLatency: s.perf.MedianLatency(e.ID).String(),
			Reachable:     reachable,
		})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}
