// Copyright 2022 The eventbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: bad interval
	assert.NotNil(uut.Start(0, callback, true))

	// Case 1: fire once
	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	// Case 2: restart
	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(int32(2), atomic.LoadInt32(&value))
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	assert.Nil(uut.Start(time.Millisecond*20, func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}, false))
	time.Sleep(time.Millisecond * 150)
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 5)
	fired := atomic.LoadInt32(&value)
	assert.GreaterOrEqual(fired, int32(3))

	// Case 1: no further calls after stop
	time.Sleep(time.Millisecond * 60)
	assert.Equal(fired, atomic.LoadInt32(&value))
	assert.Nil(uut.Stop())
}

func TestIntervalTimerStopWaitsForHandler(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	assert.Nil(uut.Start(time.Millisecond*10, func() error {
		select {
		case <-entered:
		default:
			close(entered)
		}
		<-release
		finished.Store(true)
		return nil
	}, false))

	select {
	case <-entered:
	case <-time.After(time.Second):
		assert.Fail("handler never called")
	}

	// Case 0: Stop blocks while the handler is still running
	stopped := make(chan struct{})
	go func() {
		assert.Nil(uut.Stop())
		close(stopped)
	}()
	select {
	case <-stopped:
		assert.Fail("Stop returned before the handler finished")
	case <-time.After(time.Millisecond * 100):
	}

	// Case 1: Stop returns once the handler does
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		assert.Fail("Stop did not return")
	}
	assert.True(finished.Load())
}
