package vitalink

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerCoalesces(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	var fired atomic.Int32

	for i := 0; i < 5; i++ {
		d.Trigger(func() { fired.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "rapid triggers collapse into one run")

	d.Trigger(func() { fired.Add(1) })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(2), fired.Load(), "a later trigger runs again")
}

func TestDebouncerStop(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var fired atomic.Int32

	d.Trigger(func() { fired.Add(1) })
	d.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	d.Stop() // idempotent
}
