package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value atomic.Int64
	callback := func() error {
		value.Add(1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int64(1), value.Load())

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int64(1), value.Load())

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(int64(2), value.Load())
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value atomic.Int64
	callback := func() error {
		value.Add(1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	time.Sleep(time.Millisecond * 110)
	assert.Nil(uut.Stop())
	assert.Nil(uut.Stop())
	triggered := value.Load()
	assert.GreaterOrEqual(triggered, int64(3))

	time.Sleep(time.Millisecond * 60)
	assert.LessOrEqual(value.Load(), triggered+1)
}
