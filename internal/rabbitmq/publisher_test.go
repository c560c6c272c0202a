package rabbitmq

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmTracker(t *testing.T) {
	t.Run("sequence numbers start at one and increase", func(t *testing.T) {
		tracker := NewConfirmTracker(nil)
		for i := uint64(1); i <= 5; i++ {
			assert.Equal(t, i, tracker.Track().Sequence)
		}
	})

	t.Run("counters add up for any mix of outcomes", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for round := 0; round < 50; round++ {
			tracker := NewConfirmTracker(nil)
			n := rng.Intn(40) + 1

			receipts := make([]*PublishReceipt, 0, n)
			for i := 0; i < n; i++ {
				receipts = append(receipts, tracker.Track())
			}

			var acks, nacks int
			for _, r := range receipts {
				switch rng.Intn(3) {
				case 0:
					tracker.Confirm(r.Sequence, true, false)
					acks++
				case 1:
					tracker.Confirm(r.Sequence, false, false)
					nacks++
				}
			}

			stats := tracker.Stats()
			require.Equal(t, uint64(n), stats.Published)
			require.Equal(t, uint64(acks), stats.Acked)
			require.Equal(t, uint64(nacks), stats.Nacked)
			require.Equal(t, n-acks-nacks, stats.Pending)
			require.Equal(t, stats.Published, stats.Acked+stats.Nacked+uint64(stats.Pending))

			dropped := tracker.Reset()
			assert.Equal(t, n-acks-nacks, dropped)
			assert.Equal(t, uint64(dropped), tracker.Stats().Indeterminate)
		}
	})

	t.Run("multiple settles everything up to the tag", func(t *testing.T) {
		tracker := NewConfirmTracker(nil)
		var receipts []*PublishReceipt
		for i := 0; i < 5; i++ {
			receipts = append(receipts, tracker.Track())
		}

		assert.Equal(t, 3, tracker.Confirm(3, true, true))
		for _, r := range receipts[:3] {
			<-r.Done()
			assert.NoError(t, r.Err())
		}
		assert.Equal(t, 2, tracker.Stats().Pending)

		assert.Equal(t, 2, tracker.Confirm(5, false, true))
		assert.ErrorIs(t, receipts[4].Err(), ErrPublishNacked)
	})

	t.Run("unknown and repeated tags settle nothing", func(t *testing.T) {
		tracker := NewConfirmTracker(nil)
		r := tracker.Track()

		assert.Equal(t, 0, tracker.Confirm(99, true, false))
		assert.Equal(t, 1, tracker.Confirm(r.Sequence, true, false))
		assert.Equal(t, 0, tracker.Confirm(r.Sequence, false, false))
		assert.NoError(t, r.Err())
		assert.Equal(t, uint64(1), tracker.Stats().Acked)
		assert.Zero(t, tracker.Stats().Nacked)
	})

	t.Run("Reset resolves pending receipts as indeterminate", func(t *testing.T) {
		tracker := NewConfirmTracker(nil)
		r := tracker.Track()
		assert.Nil(t, r.Err())

		assert.Equal(t, 1, tracker.Reset())
		<-r.Done()
		assert.ErrorIs(t, r.Err(), ErrIndeterminate)
		assert.Equal(t, uint64(1), tracker.Track().Sequence)
	})

	t.Run("Abort releases the sequence number", func(t *testing.T) {
		tracker := NewConfirmTracker(nil)
		first := tracker.Track()
		failed := tracker.Track()
		tracker.Abort(failed.Sequence, ErrChannelClosed)

		assert.ErrorIs(t, failed.Err(), ErrChannelClosed)
		assert.Equal(t, uint64(1), tracker.Stats().Published)

		next := tracker.Track()
		assert.Equal(t, uint64(2), next.Sequence)
		assert.Equal(t, 2, tracker.Stats().Pending)

		assert.Equal(t, 2, tracker.Confirm(2, true, true))
		<-first.Done()
		<-next.Done()
		assert.NoError(t, next.Err())

		stats := tracker.Stats()
		assert.Equal(t, stats.Published, stats.Acked+stats.Nacked+uint64(stats.Pending))
	})
}

func TestCollector(t *testing.T) {
	t.Run("tracker feeds the collector", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		collector := NewCollector(reg, "test", RoleCaller)
		tracker := NewConfirmTracker(collector)

		for i := 0; i < 4; i++ {
			tracker.Track()
		}
		tracker.Confirm(1, true, false)
		tracker.Confirm(2, false, false)
		tracker.Abort(4, ErrChannelClosed)
		tracker.Reset()

		assert.Equal(t, 4.0, testutil.ToFloat64(collector.Published))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.Acked))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.Nacked))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.Failed))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.Indeterminate))
		assert.Equal(t, 0.0, testutil.ToFloat64(collector.Pending))
	})

	t.Run("state gauge follows the lifecycle", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		collector := NewCollector(reg, "", RoleWorker)
		broker := newFakeBroker()
		m, listener := newTestManager(t, broker, RoleWorker, WithMetrics(collector))
		startReady(t, m, listener)

		assert.Equal(t, float64(StateReady), testutil.ToFloat64(collector.State))

		broker.lastConn().fail("restart")
		_, err := listener.nextReady(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.Reconnects))

		count, err := testutil.GatherAndCount(reg, "avista_amqp_reconnects_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("nil collector is a no-op", func(t *testing.T) {
		var c *Collector
		assert.NotPanics(t, func() {
			c.state(StateReady)
			c.reconnect()
			c.confirmed(true, 1)
			c.publishFailed()
			c.delivery()
		})
	})
}
