package exchange

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeat_ExpiresAfterMissedPongs(t *testing.T) {
	var pings atomic.Int32
	expired := make(chan struct{})
	hb := NewHeartbeat(10*time.Millisecond, 3, func() error {
		pings.Add(1)
		return nil
	}, func() { close(expired) })

	go hb.Run(context.Background())

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never expired")
	}
	assert.GreaterOrEqual(t, pings.Load(), int32(3))
}

func TestHeartbeat_BeatKeepsAlive(t *testing.T) {
	expired := make(chan struct{})
	var hb *Heartbeat
	hb = NewHeartbeat(10*time.Millisecond, 2, func() error {
		hb.Beat()
		return nil
	}, func() { close(expired) })

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	hb.Run(ctx)

	select {
	case <-expired:
		t.Fatal("heartbeat expired despite pongs")
	default:
	}
	assert.Zero(t, hb.Misses())
}
