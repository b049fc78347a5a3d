package tier

import (
	"errors"
	"sync"
	"testing"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		want    Name
		wantErr bool
	}{
		{"pro", Pro, false},
		{" Elite ", Elite, false},
		{"LONGEVITY", Longevity, false},
		{"gold", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseName(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownTier) {
				t.Errorf("ParseName(%q) error = %v, want ErrUnknownTier", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseName(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestParseAgent(t *testing.T) {
	if a, err := ParseAgent("nexus"); err != nil || a != AgentNexus {
		t.Errorf("ParseAgent(nexus) = %q, %v", a, err)
	}
	if _, err := ParseAgent("SKYNET"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestLimit_AllowsAgent(t *testing.T) {
	limits := DefaultLimits()
	essential := limits[0]
	prime := limits[3]

	if !essential.AllowsAgent(AgentNexus) {
		t.Error("essential should allow NEXUS")
	}
	if essential.AllowsAgent(AgentSage) {
		t.Error("essential should not allow SAGE")
	}
	for _, a := range AllAgents() {
		if !prime.AllowsAgent(a) {
			t.Errorf("prime should allow %s", a)
		}
	}
}

func TestNext(t *testing.T) {
	if n, ok := Next(Essential); !ok || n != Pro {
		t.Errorf("Next(essential) = %q, %v", n, ok)
	}
	if _, ok := Next(Prime); ok {
		t.Error("prime should be the top of the upgrade path")
	}
	if Rank(Elite) <= Rank(Pro) {
		t.Error("elite should rank above pro")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(DefaultLimits()); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}

	dup := append(DefaultLimits(), DefaultLimits()[0])
	if err := Validate(dup); err == nil {
		t.Error("expected duplicate tier error")
	}

	missing := DefaultLimits()[:4]
	if err := Validate(missing); err == nil {
		t.Error("expected missing tier error")
	}

	badAgent := DefaultLimits()
	badAgent[0].AllowedAgents = []string{"HAL"}
	if err := Validate(badAgent); err == nil {
		t.Error("expected unknown agent error")
	}
}

func TestCatalog_ReplaceKeepsOldOnError(t *testing.T) {
	c := MustDefaultCatalog()

	if err := c.Replace(DefaultLimits()[:2]); err == nil {
		t.Fatal("expected error for incomplete catalog")
	}

	l, err := c.GetLimits(Pro)
	if err != nil {
		t.Fatalf("GetLimits after failed replace: %v", err)
	}
	if l.DailyInteractionLimit != 300 {
		t.Errorf("pro daily limit = %d, want 300", l.DailyInteractionLimit)
	}
}

func TestCatalog_ReplaceSwapsSnapshot(t *testing.T) {
	c := MustDefaultCatalog()
	limits := DefaultLimits()
	limits[1].DailyInteractionLimit = 500

	if err := c.Replace(limits); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	l, _ := c.GetLimits(Pro)
	if l.DailyInteractionLimit != 500 {
		t.Errorf("pro daily limit = %d, want 500", l.DailyInteractionLimit)
	}
	if len(c.List()) != len(AllNames()) {
		t.Errorf("List() returned %d tiers", len(c.List()))
	}
}

func TestCatalog_ConcurrentReads(t *testing.T) {
	c := MustDefaultCatalog()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if !c.AllowsAgent(Pro, AgentSage) {
					t.Error("pro should allow SAGE")
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		if err := c.Replace(DefaultLimits()); err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}
	wg.Wait()
}
