// Package tier provides subscription tier and agent value types.
// All functions are pure - no side effects.
package tier

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Name is a subscription tier name (closed set).
type Name string

const (
	Essential Name = "essential"
	Pro       Name = "pro"
	Elite     Name = "elite"
	Prime     Name = "prime"
	Longevity Name = "longevity"
)

// Agent is a conversational agent identifier (closed set).
type Agent string

const (
	AgentNexus   Agent = "NEXUS"
	AgentBlaze   Agent = "BLAZE"
	AgentSage    Agent = "SAGE"
	AgentAria    Agent = "ARIA"
	AgentCipher  Agent = "CIPHER"
	AgentEcho    Agent = "ECHO"
	AgentQuantum Agent = "QUANTUM"
	AgentNova    Agent = "NOVA"
	AgentFlux    Agent = "FLUX"
	AgentVertex  Agent = "VERTEX"
	AgentHelix   Agent = "HELIX"
)

// Wildcard in AllowedAgents grants every agent.
const Wildcard = "*"

var (
	ErrUnknownTier  = errors.New("unknown subscription tier")
	ErrUnknownAgent = errors.New("unknown agent")
)

// AllNames returns every tier in ascending order of capacity.
func AllNames() []Name {
	return []Name{Essential, Pro, Elite, Prime, Longevity}
}

// AllAgents returns the agent catalog.
func AllAgents() []Agent {
	return []Agent{
		AgentNexus, AgentBlaze, AgentSage, AgentAria, AgentCipher, AgentEcho,
		AgentQuantum, AgentNova, AgentFlux, AgentVertex, AgentHelix,
	}
}

// ParseName normalizes and validates a tier name.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	switch n {
	case Essential, Pro, Elite, Prime, Longevity:
		return n, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

// ParseAgent normalizes and validates an agent identifier.
func ParseAgent(s string) (Agent, error) {
	a := Agent(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(AllAgents(), a) {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s)
}

// Pricing holds display pricing metadata for a tier.
type Pricing struct {
	MonthlyCents int64  `yaml:"monthly_cents" json:"monthly_cents"`
	Currency     string `yaml:"currency" json:"currency"`
}

// Limit holds the quota limits for a tier (immutable value type).
type Limit struct {
	Name                  Name     `yaml:"name" json:"name"`
	MonthlyTokenLimit     int64    `yaml:"monthly_token_limit" json:"monthly_token_limit"`         // <= 0 = unlimited
	DailyInteractionLimit int64    `yaml:"daily_interaction_limit" json:"daily_interaction_limit"` // <= 0 = unlimited
	AllowedAgents         []string `yaml:"allowed_agents" json:"allowed_agents"`
	Pricing               Pricing  `yaml:"pricing" json:"pricing"`
}

// AllowsAgent reports whether the tier grants access to the agent.
// This is a PURE function.
func (l Limit) AllowsAgent(a Agent) bool {
	for _, allowed := range l.AllowedAgents {
		if allowed == Wildcard || Agent(strings.ToUpper(allowed)) == a {
			return true
		}
	}
	return false
}

// Rank orders tiers for upgrade suggestions. Unknown tiers rank -1.
func Rank(n Name) int {
	switch n {
	case Essential:
		return 0
	case Pro:
		return 1
	case Elite:
		return 2
	case Prime:
		return 3
	case Longevity:
		return 4
	default:
		return -1
	}
}

// Next returns the next tier up, or false when already at the top
// of the upgrade path. Longevity is a lateral plan, not an upgrade.
func Next(n Name) (Name, bool) {
	switch n {
	case Essential:
		return Pro, true
	case Pro:
		return Elite, true
	case Elite:
		return Prime, true
	case Prime, Longevity:
		return "", false
	default:
		return "", false
	}
}

// DefaultLimits returns the built-in tier catalog.
func DefaultLimits() []Limit {
	return []Limit{
		{
			Name:                  Essential,
			MonthlyTokenLimit:     50_000,
			DailyInteractionLimit: 100,
			AllowedAgents:         []string{string(AgentNexus), string(AgentBlaze)},
			Pricing:               Pricing{MonthlyCents: 2900, Currency: "USD"},
		},
		{
			Name:                  Pro,
			MonthlyTokenLimit:     150_000,
			DailyInteractionLimit: 300,
			AllowedAgents:         []string{string(AgentNexus), string(AgentBlaze), string(AgentSage), string(AgentAria)},
			Pricing:               Pricing{MonthlyCents: 7900, Currency: "USD"},
		},
		{
			Name:                  Elite,
			MonthlyTokenLimit:     500_000,
			DailyInteractionLimit: 1000,
			AllowedAgents: []string{
				string(AgentNexus), string(AgentBlaze), string(AgentSage),
				string(AgentAria), string(AgentCipher), string(AgentEcho),
			},
			Pricing: Pricing{MonthlyCents: 19900, Currency: "USD"},
		},
		{
			Name:                  Prime,
			MonthlyTokenLimit:     1_000_000,
			DailyInteractionLimit: 2000,
			AllowedAgents:         []string{Wildcard},
			Pricing:               Pricing{MonthlyCents: 49900, Currency: "USD"},
		},
		{
			Name:                  Longevity,
			MonthlyTokenLimit:     1_000_000,
			DailyInteractionLimit: 2000,
			AllowedAgents:         []string{Wildcard},
			Pricing:               Pricing{MonthlyCents: 49900, Currency: "USD"},
		},
	}
}

// Validate checks a catalog for duplicate or unknown tiers.
// Every tier in AllNames must be present.
func Validate(limits []Limit) error {
	seen := make(map[Name]bool, len(limits))
	for i, l := range limits {
		if _, err := ParseName(string(l.Name)); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
		if seen[l.Name] {
			return fmt.Errorf("tiers[%d]: duplicate tier %q", i, l.Name)
		}
		seen[l.Name] = true
		if len(l.AllowedAgents) == 0 {
			return fmt.Errorf("tiers[%d]: allowed_agents must not be empty", i)
		}
		for _, a := range l.AllowedAgents {
			if a == Wildcard {
				continue
			}
			if _, err := ParseAgent(a); err != nil {
				return fmt.Errorf("tiers[%d]: %w", i, err)
			}
		}
	}
	for _, n := range AllNames() {
		if !seen[n] {
			return fmt.Errorf("tier %q missing from catalog", n)
		}
	}
	return nil
}
