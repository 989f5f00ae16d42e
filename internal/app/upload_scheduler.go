package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jcrawfordor/cellscan/internal/bearer"
	"github.com/jcrawfordor/cellscan/internal/collector"
	"github.com/jcrawfordor/cellscan/internal/radio"
	"github.com/jcrawfordor/cellscan/internal/store"
)

// UploadScheduler periodically drains the observation store in batches,
// opening a DATA-mode window for each attempt. Failures back off
// exponentially up to MaxBackoff so an unavailable link is not hammered.
type UploadScheduler struct {
	Arbiter *radio.Arbiter
	Store   *store.Store
	Client  *collector.Client
	Link    bearer.Link
	Hub     *Hub

	Interval     time.Duration
	MaxBackoff   time.Duration
	LeaseTimeout time.Duration
	BatchMax     int
}

// Run cycles until ctx is cancelled, stretching the delay after each failed
// attempt and snapping back to Interval on success.
func (u *UploadScheduler) Run(ctx context.Context) {
	delay := u.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := u.runOnce(ctx); err != nil {
			delay = nextBackoff(delay, u.MaxBackoff)
			log.Printf("upload: attempt failed, next in %v: %v", delay, err)
			u.Hub.Publish(EventUploadFailed, err.Error())
		} else {
			delay = u.Interval
		}
		timer.Reset(delay)
	}
}

// nextBackoff doubles the retry delay up to max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// runOnce attempts one batch. The DATA lease is released on every path; the
// arbiter's teardown hook takes the bearer down as part of the release.
func (u *UploadScheduler) runOnce(ctx context.Context) error {
	batch, err := u.Store.SelectBatch(u.BatchMax)
	if err != nil {
		return fmt.Errorf("select batch: %w", err)
	}
	if batch.Empty() {
		return nil
	}

	lease, err := u.Arbiter.Acquire(radio.ModeData, u.LeaseTimeout)
	if err != nil {
		// No radio this cycle; the batch goes straight back to pending.
		if ferr := u.Store.MarkFailed(batch); ferr != nil {
			log.Printf("upload: returning batch to pending: %v", ferr)
		}
		return fmt.Errorf("data lease: %w", err)
	}
	defer u.Arbiter.Release(lease)

	u.Hub.Publish(EventUploadStarted, "")
	log.Printf("upload: starting, %d observation(s)", len(batch.Observations))

	ack, err := u.transmit(ctx, lease, batch)
	if err != nil {
		if ferr := u.Store.MarkFailed(batch); ferr != nil {
			log.Printf("upload: returning batch to pending: %v", ferr)
		}
		return err
	}

	if err := u.Store.MarkDelivered(batch); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	log.Printf("upload: delivered %d observation(s), ack %s", len(batch.Observations), ack)
	u.Hub.Publish(EventUploadOK, fmt.Sprintf("%d observation(s), ack %s", len(batch.Observations), ack))
	return nil
}

// transmit brings the network path up and posts the batch.
func (u *UploadScheduler) transmit(ctx context.Context, lease *radio.Lease, batch store.Batch) (string, error) {
	if err := u.Link.Up(ctx); err != nil {
		return "", fmt.Errorf("bearer up: %w", err)
	}
	if lease.Expired() {
		return "", fmt.Errorf("data lease expired during bearer bring-up, abandoning")
	}
	ack, err := u.Client.Upload(ctx, collector.UploadRequest{Observations: batch.Observations})
	if err != nil {
		return "", fmt.Errorf("transmit: %w", err)
	}
	return ack, nil
}
