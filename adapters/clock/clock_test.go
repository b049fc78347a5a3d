package clock_test

import (
	"testing"
	"time"

	"github.com/nexuscrm/agentusage/adapters/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	got := clock.Real{}.Now()
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}

func TestFake_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	c := clock.NewFake(time.Date(2026, 3, 14, 2, 0, 0, 0, loc))

	got := c.Now()
	want := time.Date(2026, 3, 13, 21, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestFake_AdvanceCrossesMidnight(t *testing.T) {
	start := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	c := clock.NewFake(start)

	c.Advance(time.Hour)
	if got := c.Now().Format("2006-01-02"); got != "2026-03-15" {
		t.Errorf("after Advance day = %s, want 2026-03-15", got)
	}

	c.Set(start)
	c.Advance(24 * time.Hour)
	if !c.Now().Equal(start.AddDate(0, 0, 1)) {
		t.Errorf("Advance(24h) = %v", c.Now())
	}
}

func TestFake_Concurrent(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.Advance(time.Second)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = c.Now()
	}
	<-done
	if got := c.Now().Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); got != 100*time.Second {
		t.Errorf("advanced %v, want 100s", got)
	}
}
