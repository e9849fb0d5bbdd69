// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowFrozen(t *testing.T) {
	clk := Fake(epoch)
	if got := clk.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}
	clk.Advance(3 * time.Second)
	if got := clk.Now(); !got.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("Now() after advance = %v", got)
	}
}

func TestAfterFuncFiresOnAdvance(t *testing.T) {
	clk := Fake(epoch)
	fired := 0
	clk.AfterFunc(5*time.Second, func() { fired++ })

	clk.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatal("fired before deadline")
	}
	clk.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}
	clk.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("fired again after expiry: %d", fired)
	}
}

func TestAfterFuncImmediateWhenNonPositive(t *testing.T) {
	clk := Fake(epoch)
	fired := false
	timer := clk.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatal("non-positive duration did not run callback synchronously")
	}
	if timer.Stop() {
		t.Error("Stop() = true for an already-fired timer")
	}
}

func TestStopPreventsFiring(t *testing.T) {
	clk := Fake(epoch)
	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false for an armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true")
	}
	clk.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestAdvanceFiresInDeadlineOrder(t *testing.T) {
	clk := Fake(epoch)
	var order []int
	clk.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clk.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clk.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	clk.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
}

func TestCallbackMayArmWithinAdvance(t *testing.T) {
	clk := Fake(epoch)
	var order []string
	clk.AfterFunc(time.Second, func() {
		order = append(order, "first")
		if now := clk.Now(); !now.Equal(epoch.Add(time.Second)) {
			t.Errorf("Now() inside first callback = %v, want its deadline %v", now, epoch.Add(time.Second))
		}
		// Armed mid-advance relative to the stepped clock; its
		// deadline lands inside the same Advance window.
		clk.AfterFunc(time.Second, func() { order = append(order, "chained") })
	})

	clk.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "first" || order[1] != "chained" {
		t.Errorf("order = %v, want [first chained]", order)
	}
	if now := clk.Now(); !now.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", now, epoch.Add(2*time.Second))
	}
}

func TestWaitForTimers(t *testing.T) {
	clk := Fake(epoch)
	fired := make(chan struct{})
	go func() {
		clk.AfterFunc(time.Second, func() { close(fired) })
	}()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire after WaitForTimers + Advance")
	}
}

func TestRealAfterFuncStop(t *testing.T) {
	clk := Real()
	timer := clk.AfterFunc(time.Hour, func() { t.Error("hour timer fired") })
	if !timer.Stop() {
		t.Error("Stop() = false for pending real timer")
	}
}
