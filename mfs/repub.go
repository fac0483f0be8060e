package mfs

import (
	"context"
	"sync"
	"time"

	cid "github.com/ipfs/go-cid"
)

// PubFunc is the user-defined function that determines exactly what
// logic entails "publishing" a `Cid` value.
type PubFunc func(context.Context, cid.Cid) error

// Republisher manages when to publish a given entry.
type Republisher struct {
	TimeoutLong  time.Duration
	TimeoutShort time.Duration
	RetryTimeout time.Duration
	pubfunc      PubFunc

	update           chan cid.Cid
	immediatePublish chan chan struct{}

	cancel    func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewRepublisher creates a new Republisher object to republish the given root
// using the given short and long time intervals. The returned Republisher is
// already running and must be stopped with Close.
func NewRepublisher(pf PubFunc, tshort, tlong time.Duration, lastPublished cid.Cid) *Republisher {
	ctx, cancel := context.WithCancel(context.Background())
	rp := &Republisher{
		TimeoutShort:     tshort,
		TimeoutLong:      tlong,
		RetryTimeout:     tlong,
		update:           make(chan cid.Cid, 1),
		pubfunc:          pf,
		immediatePublish: make(chan chan struct{}),
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	go rp.run(ctx, lastPublished)

	return rp
}

// WaitPub waits for the current value to be published (or returns early
// if it already has).
func (rp *Republisher) WaitPub(ctx context.Context) error {
	wait := make(chan struct{})
	select {
	case rp.immediatePublish <- wait:
	case <-rp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close publishes the current value and stops the publishing loop. Safe to
// call more than once.
func (rp *Republisher) Close() error {
	var err error
	rp.closeOnce.Do(func() {
		err = rp.WaitPub(context.Background())
		rp.cancel()
		<-rp.done
	})
	return err
}

// Update the current value. The value will be published after a delay but
// each consecutive call to Update may extend this delay up to TimeoutLong.
func (rp *Republisher) Update(c cid.Cid) {
	select {
	case <-rp.update:
		select {
		case rp.update <- c:
		default:
			// Don't try again. If we hit this case, there's a
			// concurrent publish and we can safely let that
			// concurrent publish win.
		}
	case rp.update <- c:
	}
}

// run calls the user-defined pubfunc whenever the Cid value settles on a
// new value. pubfunc may be slow, so updates are batched.
//
//  1. The first update after a publish arms the `longer` timer.
//  2. Every update re-arms the `quick` timer.
//  3. When either timer fires, the latest value is published.
//
// The `longer` timer bounds how long a burst of updates can delay a
// publish. The `quick` timer publishes sooner when the updates stop
// coming.
func (rp *Republisher) run(ctx context.Context, lastPublished cid.Cid) {
	defer close(rp.done)

	quick := time.NewTimer(0)
	if !quick.Stop() {
		<-quick.C
	}
	longer := time.NewTimer(0)
	if !longer.Stop() {
		<-longer.C
	}

	var toPublish cid.Cid
	for {
		var waiter chan struct{}

		select {
		case <-ctx.Done():
			return
		case newValue := <-rp.update:
			// Skip already published values.
			if lastPublished.Equals(newValue) {
				// Break to the end of the select to clean up any
				// timers.
				toPublish = cid.Undef
				break
			}

			// If we aren't already waiting to publish something,
			// reset the long timeout.
			if !toPublish.Defined() {
				longer.Reset(rp.TimeoutLong)
			}

			// Always reset the short timeout.
			quick.Reset(rp.TimeoutShort)

			toPublish = newValue
			continue
		case waiter = <-rp.immediatePublish:
			// Make sure to grab the latest value to publish.
			select {
			case toPublish = <-rp.update:
			default:
			}

			// Avoid publishing duplicate values.
			if lastPublished.Equals(toPublish) {
				toPublish = cid.Undef
			}
		case <-quick.C:
		case <-longer.C:
		}

		// Stop any running timers. The `if !t.Stop() { <-t.C }` idiom
		// does not apply here, these timers may simply not be running.
		quick.Stop()
		select {
		case <-quick.C:
		default:
		}
		longer.Stop()
		select {
		case <-longer.C:
		default:
		}

		if toPublish.Defined() {
			for {
				err := rp.pubfunc(ctx, toPublish)
				if err == nil {
					break
				}
				log.Errorf("failed to publish %s: %s", toPublish, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(rp.RetryTimeout):
				}
			}
			lastPublished = toPublish
			toPublish = cid.Undef
		}

		if waiter != nil {
			close(waiter)
		}
	}
}
