// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(5 * time.Second)
	fired := <-ch
	if !fired.Equal(time.Unix(1005, 0)) {
		t.Errorf("fire time = %v, want %v", fired, time.Unix(1005, 0))
	}
}

func TestAfterImmediateForNonPositive(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestTickerFiresRepeatedly(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(10 * time.Second)
	defer ticker.Stop()

	fake.Advance(10 * time.Second)
	<-ticker.C
	fake.Advance(10 * time.Second)
	<-ticker.C
}

func TestTickerDropsWhenConsumerBehind(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals with no reader: only one tick is buffered.
	fake.Advance(3 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("expected queued ticks to be dropped")
	default:
	}
}

func TestStoppedTickerDoesNotFire(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFiringOrderFollowsDeadlines(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	late := fake.After(10 * time.Second)
	early := fake.After(2 * time.Second)

	fake.Advance(20 * time.Second)

	earlyAt := <-early
	lateAt := <-late
	if !earlyAt.Before(lateAt) {
		t.Errorf("early fired at %v, late at %v; want early first", earlyAt, lateAt)
	}
}

func TestBlockUntilWaiters(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Second)
		close(done)
	}()

	fake.BlockUntilWaiters(1)
	fake.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}
