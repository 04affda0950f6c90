package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/otghcd/host/hal"
	"github.com/ardnew/otghcd/pkg"
)

// =============================================================================
// Request
// =============================================================================

func TestRequest_Key(t *testing.T) {
	req := &Request{Device: 7, Address: 3, Endpoint: 2, In: true}
	assert.Equal(t, EndpointKey{Device: 7, Number: 2, In: true}, req.Key())
}

func TestRequest_IsComplete(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	rec := newRecorder()

	req := bulkIn(rec, 64)
	assert.False(t, req.IsComplete())
	require.NoError(t, f.hcd.Enqueue(req))
	assert.False(t, req.IsComplete())

	f.done(t, f.channel(t, 1, 1, true))
	rec.wait(t)
	assert.True(t, req.IsComplete())

	// Resubmission clears the previous outcome.
	require.NoError(t, f.hcd.Enqueue(req))
	assert.False(t, req.IsComplete())
	n, err := req.Result()
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestRequest_NoCallback(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})

	req := bulkIn(newRecorder(), 64)
	req.Callback = nil
	require.NoError(t, f.hcd.Enqueue(req))
	f.done(t, f.channel(t, 1, 1, true))

	require.Eventually(t, req.IsComplete, time.Second, time.Millisecond)
	n, err := req.Result()
	assert.Equal(t, 64, n)
	assert.NoError(t, err)
}

func TestRequest_DequeueWhileStopping(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh, mock: true})
	rec := newRecorder()

	req := bulkIn(rec, 512)
	require.NoError(t, f.hcd.Enqueue(req))
	f.channel(t, 1, 1, true)

	// Shutdown has begun but descriptors are not yet flushed.
	f.hcd.mu.Lock()
	f.hcd.running = false
	f.hcd.mu.Unlock()
	defer func() {
		f.hcd.mu.Lock()
		f.hcd.running = true
		f.hcd.mu.Unlock()
	}()

	require.NoError(t, f.hcd.Dequeue(req, nil))
	assert.ErrorIs(t, rec.wait(t).err, pkg.ErrDequeued)
	assert.Zero(t, f.mock.haltCount(), "no hardware access once stopped")
}

// =============================================================================
// Concurrency
// =============================================================================

// emulate completes every armed channel in full until ctx is done.
func emulate(ctx context.Context, f *fixture) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			for _, ch := range f.hw.ArmedChannels() {
				if p, ok := f.hw.Armed(ch); ok {
					f.hw.Complete(ch, hal.ChannelStatus{
						Events:      hal.ChanTransferComplete,
						Transferred: p.Length,
					})
				}
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()
	return done
}

func TestRequest_ConcurrentSubmitters(t *testing.T) {
	f := newFixture(t, fixtureOptions{channels: 4, speed: hal.SpeedHigh})

	ctx, cancel := context.WithCancel(context.Background())
	hwDone := emulate(ctx, f)
	defer func() {
		cancel()
		<-hwDone
	}()

	const submitters, rounds = 8, 50
	var completions atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < submitters; i++ {
		ep := uint8(i + 1)
		g.Go(func() error {
			results := make(chan error, 1)
			req := &Request{
				Device:        1,
				Address:       1,
				Endpoint:      ep,
				In:            true,
				Type:          hal.TransferBulk,
				Speed:         hal.SpeedHigh,
				MaxPacketSize: 512,
				Buffer:        make([]byte, 64),
				Callback: func(r *Request, n int, err error) {
					completions.Add(1)
					if err == nil && n != 64 {
						err = fmt.Errorf("short completion: %d", n)
					}
					results <- err
				},
			}
			for r := 0; r < rounds; r++ {
				if err := f.hcd.Enqueue(req); err != nil {
					return fmt.Errorf("ep %d round %d: %w", ep, r, err)
				}
				select {
				case err := <-results:
					if err != nil {
						return fmt.Errorf("ep %d round %d: %w", ep, r, err)
					}
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(5 * time.Second):
					return fmt.Errorf("ep %d round %d: timed out", ep, r)
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int64(submitters*rounds), completions.Load())

	_, tds := f.counts()
	assert.Zero(t, tds)
}

func TestRequest_DequeueRace(t *testing.T) {
	f := newFixture(t, fixtureOptions{channels: 2, speed: hal.SpeedHigh})

	ctx, cancel := context.WithCancel(context.Background())
	hwDone := emulate(ctx, f)
	defer func() {
		cancel()
		<-hwDone
	}()

	const submitters, rounds = 4, 100
	var completions, dequeued atomic.Int64

	var g errgroup.Group
	for i := 0; i < submitters; i++ {
		ep := uint8(i + 1)
		g.Go(func() error {
			results := make(chan error, 2)
			req := &Request{
				Device:        1,
				Address:       1,
				Endpoint:      ep,
				Type:          hal.TransferBulk,
				Speed:         hal.SpeedHigh,
				MaxPacketSize: 512,
				Buffer:        make([]byte, 64),
				Callback: func(r *Request, n int, err error) {
					completions.Add(1)
					results <- err
				},
			}
			for r := 0; r < rounds; r++ {
				if err := f.hcd.Enqueue(req); err != nil {
					return err
				}
				if r%3 == 0 {
					time.Sleep(time.Duration(r%7) * 10 * time.Microsecond)
				}
				derr := f.hcd.Dequeue(req, nil)

				var cerr error
				select {
				case cerr = <-results:
				case <-time.After(5 * time.Second):
					return fmt.Errorf("ep %d round %d: timed out", ep, r)
				}

				switch {
				case derr == nil:
					dequeued.Add(1)
					if !errors.Is(cerr, pkg.ErrDequeued) {
						return fmt.Errorf("ep %d round %d: dequeued but completed with %v", ep, r, cerr)
					}
				case errors.Is(derr, pkg.ErrNoSuchElement):
					if cerr != nil {
						return fmt.Errorf("ep %d round %d: completion lost: %v", ep, r, cerr)
					}
				default:
					return derr
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int64(submitters*rounds), completions.Load(), "exactly one completion per request")
	t.Logf("%d of %d requests dequeued", dequeued.Load(), submitters*rounds)
}

func TestRequest_EveryValidEndpointCompletes(t *testing.T) {
	f := newFixture(t, fixtureOptions{speed: hal.SpeedHigh})
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	hwDone := emulate(ctx, f)
	defer func() {
		cancel()
		<-hwDone
	}()

	speeds := []hal.Speed{hal.SpeedLow, hal.SpeedFull, hal.SpeedHigh}
	types := []hal.TransferType{hal.TransferControl, hal.TransferBulk, hal.TransferInterrupt}
	hubs := []uint8{0, 3}

	var dev DeviceID
	for _, speed := range speeds {
		for _, typ := range types {
			if speed == hal.SpeedLow && typ == hal.TransferBulk {
				continue
			}
			for _, hub := range hubs {
				dev++
				name := fmt.Sprintf("%v %v hub=%d", speed, typ, hub)
				req := &Request{
					Device:        dev,
					Address:       uint8(dev),
					Endpoint:      1,
					In:            true,
					Type:          typ,
					Speed:         speed,
					MaxPacketSize: 8,
					Interval:      1,
					HubAddress:    hub,
					HubPort:       1,
					Buffer:        make([]byte, 8),
					Callback:      rec.callback,
				}
				if typ == hal.TransferControl {
					req.Endpoint = 0
					req.In = false
					req.Setup = &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 8}
				}

				require.NoError(t, f.hcd.Enqueue(req), name)
				res := rec.wait(t)
				assert.Same(t, req, res.req, name)
				assert.NoError(t, res.err, name)
				assert.Equal(t, 8, res.n, name)

				f.hcd.mu.Lock()
				ed, ok := f.hcd.eds.Get(f.hcd.edIndex[req.Key()])
				split := ok && ed.split
				f.hcd.mu.Unlock()
				require.True(t, ok, name)
				assert.Equal(t, speed != hal.SpeedHigh && hub != 0, split, name)
			}
		}
	}

	rec.none(t)
	_, tds := f.counts()
	assert.Zero(t, tds)
}
