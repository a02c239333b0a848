package clock_test

import (
	"testing"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	c := clock.Fake(epoch)

	if !c.Now().Equal(epoch) {
		t.Errorf("Now = %v, want %v", c.Now(), epoch)
	}

	c.Advance(90 * time.Second)
	if want := epoch.Add(90 * time.Second); !c.Now().Equal(want) {
		t.Errorf("after Advance Now = %v, want %v", c.Now(), want)
	}

	c.Set(epoch)
	if !c.Now().Equal(epoch) {
		t.Errorf("after Set Now = %v, want %v", c.Now(), epoch)
	}
}

func TestFakeTicker(t *testing.T) {
	t.Run("FiresOnInterval", func(t *testing.T) {
		c := clock.Fake(epoch)
		ticker := c.NewTicker(time.Minute)
		defer ticker.Stop()

		c.Advance(30 * time.Second)
		select {
		case <-ticker.C:
			t.Fatal("ticker fired before its interval")
		default:
		}

		c.Advance(30 * time.Second)
		select {
		case tick := <-ticker.C:
			if !tick.Equal(epoch.Add(time.Minute)) {
				t.Errorf("tick = %v, want %v", tick, epoch.Add(time.Minute))
			}
		default:
			t.Fatal("ticker did not fire")
		}
	})

	t.Run("DropsWhenFull", func(t *testing.T) {
		c := clock.Fake(epoch)
		ticker := c.NewTicker(time.Second)
		defer ticker.Stop()

		c.Advance(5 * time.Second)

		<-ticker.C
		select {
		case <-ticker.C:
			t.Fatal("expected buffered ticks beyond capacity to be dropped")
		default:
		}
	})

	t.Run("StopSilences", func(t *testing.T) {
		c := clock.Fake(epoch)
		ticker := c.NewTicker(time.Second)
		ticker.Stop()

		c.Advance(10 * time.Second)
		select {
		case <-ticker.C:
			t.Fatal("stopped ticker fired")
		default:
		}
	})

	t.Run("WaitForTickers", func(t *testing.T) {
		c := clock.Fake(epoch)
		done := make(chan struct{})

		go func() {
			ticker := c.NewTicker(time.Second)
			defer ticker.Stop()
			<-ticker.C
			close(done)
		}()

		c.WaitForTickers(1)
		c.Advance(time.Second)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("goroutine never observed tick")
		}
	})

	t.Run("NonPositivePanics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		clock.Fake(epoch).NewTicker(0)
	})
}

func TestRealClockUTC(t *testing.T) {
	now := clock.Real().Now()
	if now.Location() != time.UTC {
		t.Errorf("Real().Now() location = %v, want UTC", now.Location())
	}
}
