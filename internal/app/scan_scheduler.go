package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jcrawfordor/cellscan/internal/atcmd"
	"github.com/jcrawfordor/cellscan/internal/gnss"
	"github.com/jcrawfordor/cellscan/internal/radio"
	"github.com/jcrawfordor/cellscan/internal/scanreport"
	"github.com/jcrawfordor/cellscan/internal/store"
)

// A full network survey walks every channel and routinely takes a couple of
// minutes on this modem.
const scanCommandTimeout = 3 * time.Minute

// ScanScheduler runs network surveys on a fixed period, plus an immediate
// trigger input fed by the panel button. It never touches the AT channel
// without holding a SCAN lease.
type ScanScheduler struct {
	Arbiter *radio.Arbiter
	Channel *atcmd.Channel
	GNSS    *gnss.Reader
	Store   *store.Store
	Hub     *Hub

	Interval     time.Duration
	LeaseTimeout time.Duration
	FixMaxAge    time.Duration

	trigger chan struct{}
	now     func() time.Time
}

// NewScanScheduler wires a scheduler; call Run to start it.
func NewScanScheduler(arb *radio.Arbiter, ch *atcmd.Channel, g *gnss.Reader, st *store.Store, hub *Hub, interval, leaseTimeout, fixMaxAge time.Duration) *ScanScheduler {
	return &ScanScheduler{
		Arbiter:      arb,
		Channel:      ch,
		GNSS:         g,
		Store:        st,
		Hub:          hub,
		Interval:     interval,
		LeaseTimeout: leaseTimeout,
		FixMaxAge:    fixMaxAge,
		trigger:      make(chan struct{}, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Trigger requests an immediate scan cycle. If one is already queued the
// request is dropped; the pending cycle covers it.
func (s *ScanScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is cancelled. A failed cycle is logged and abandoned;
// single transient failures never halt subsequent cycles.
func (s *ScanScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if err := s.runOnce(); err != nil {
			log.Printf("scan: cycle abandoned: %v", err)
			s.Hub.Publish(EventScanFailed, err.Error())
		}
	}
}

// runOnce performs one survey: acquire the radio, scan, parse, attach the
// current fix if fresh, append. The lease is released on every path.
func (s *ScanScheduler) runOnce() error {
	lease, err := s.Arbiter.Acquire(radio.ModeScan, s.LeaseTimeout)
	if err != nil {
		return fmt.Errorf("scan lease: %w", err)
	}
	defer s.Arbiter.Release(lease)

	s.Hub.Publish(EventScanStarted, "")
	log.Print("scan: starting network survey")

	lines, err := s.Channel.Send("AT#CSURV", scanCommandTimeout)
	if err != nil {
		if errors.Is(err, atcmd.ErrChannel) {
			// Device-level failure is fatal for this lease. Try to put the
			// modem back into a usable state before giving the radio up.
			if rerr := s.Channel.Reset(); rerr != nil {
				log.Printf("scan: modem reset after channel error failed: %v", rerr)
			}
		}
		return fmt.Errorf("survey command: %w", err)
	}

	if lease.Expired() {
		return fmt.Errorf("scan lease expired after %v survey, abandoning", scanCommandTimeout)
	}

	report, err := scanreport.Parse(strings.Join(lines, "\n"))
	if err != nil {
		return fmt.Errorf("survey parse: %w", err)
	}
	if report.Skipped > 0 {
		log.Printf("scan: skipped %d malformed line(s)", report.Skipped)
	}

	obs := s.buildObservation(report)
	id, err := s.Store.Append(obs)
	if err != nil {
		return fmt.Errorf("record survey: %w", err)
	}

	located := "no location"
	if obs.Location != nil {
		located = "located"
	}
	log.Printf("scan: observation %d recorded, %d neighbor(s), %s", id, len(obs.Neighbors), located)
	s.Hub.Publish(EventScanOK, fmt.Sprintf("observation %d", id))
	return nil
}

// buildObservation combines the survey with the GNSS snapshot. A stale fix
// is worse than none: past the staleness threshold the observation is
// recorded locationless.
func (s *ScanScheduler) buildObservation(report *scanreport.Report) store.Observation {
	now := s.now()
	obs := store.Observation{
		Time:      now,
		Serving:   report.Serving,
		Neighbors: report.Neighbors,
	}

	fix, ok := s.GNSS.Current()
	if !ok {
		log.Print("scan: no GNSS fix yet, recording locationless")
		return obs
	}
	age := fix.Age(now)
	if age > s.FixMaxAge {
		log.Printf("scan: fix is %v old (max %v), recording locationless", age.Round(time.Second), s.FixMaxAge)
		return obs
	}

	obs.Location = &store.Location{
		Lat:     fix.Lat,
		Lon:     fix.Lon,
		Alt:     fix.Alt,
		Quality: fix.Quality,
		FixAge:  age.Seconds(),
	}
	return obs
}
