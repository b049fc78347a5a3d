package usage

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/nexuscrm/agentusage/domain/tier"
)

// Candidate is an untrusted event as received from the producer.
type Candidate struct {
	ID               string         `json:"id,omitempty" validate:"omitempty,max=64"`
	UserID           string         `json:"user_id" validate:"required,notblank,max=128"`
	ContactID        string         `json:"contact_id,omitempty" validate:"omitempty,max=128"`
	OrganizationID   string         `json:"organization_id,omitempty" validate:"omitempty,max=128"`
	AgentID          string         `json:"agent_id" validate:"required,notblank"`
	SessionID        string         `json:"session_id" validate:"required,notblank,max=128"`
	TokensUsed       *int64         `json:"tokens_used" validate:"required,gte=0"`
	ResponseTimeMs   *int64         `json:"response_time_ms" validate:"required,gte=0"`
	SubscriptionTier string         `json:"subscription_tier" validate:"required,notblank"`
	Timestamp        string         `json:"timestamp,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

// SkewWindow bounds how far an event's timestamp may be from now.
type SkewWindow struct {
	MaxPast   time.Duration
	MaxFuture time.Duration
}

// DefaultSkewWindow accepts events up to 7 days old and 5 minutes ahead.
func DefaultSkewWindow() SkewWindow {
	return SkewWindow{MaxPast: 7 * 24 * time.Hour, MaxFuture: 5 * time.Minute}
}

// LimitSource resolves tier limits.
type LimitSource interface {
	GetLimits(n tier.Name) (tier.Limit, error)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Whitespace-only ids satisfy required but are empty once trimmed
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// Normalize validates a candidate and converts it to an Event.
// The returned event has no ID if the candidate had none.
// Errors are always *ValidationError.
func Normalize(c Candidate, limits LimitSource, now time.Time, window SkewWindow) (Event, error) {
	verr := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				verr.Add(fe.Field(), "validation_error", validationMessage(fe))
			}
		} else {
			verr.Add("body", "validation_error", err.Error())
		}
	}

	var (
		agent    tier.Agent
		tierName tier.Name
		err      error
	)
	if strings.TrimSpace(c.AgentID) != "" {
		if agent, err = tier.ParseAgent(c.AgentID); err != nil {
			verr.Add("agent_id", "unknown_agent", fmt.Sprintf("agent %q is not recognized", c.AgentID))
		}
	}
	if strings.TrimSpace(c.SubscriptionTier) != "" {
		if tierName, err = tier.ParseName(c.SubscriptionTier); err != nil {
			verr.Add("subscription_tier", "unknown_tier", fmt.Sprintf("tier %q is not recognized", c.SubscriptionTier))
		}
	}

	if agent != "" && tierName != "" && limits != nil {
		limit, err := limits.GetLimits(tierName)
		if err != nil {
			verr.Add("subscription_tier", "unknown_tier", err.Error())
		} else if !limit.AllowsAgent(agent) {
			verr.Add("agent_id", "agent_not_allowed",
				fmt.Sprintf("agent %s is not allowed for tier %s", agent, tierName))
		}
	}

	occurredAt := now.UTC()
	if c.Timestamp != "" {
		ts, err := ParseTimestamp(c.Timestamp)
		if err != nil {
			verr.Add("timestamp", "invalid_timestamp", "timestamp must be RFC3339")
		} else {
			occurredAt = ts.UTC()
			if occurredAt.Before(now.Add(-window.MaxPast)) {
				verr.Add("timestamp", "timestamp_too_old",
					fmt.Sprintf("timestamp is older than %s", window.MaxPast))
			} else if occurredAt.After(now.Add(window.MaxFuture)) {
				verr.Add("timestamp", "timestamp_in_future",
					fmt.Sprintf("timestamp is more than %s in the future", window.MaxFuture))
			}
		}
	}

	if verr.HasErrors() {
		return Event{}, verr
	}

	return Event{
		ID:             strings.TrimSpace(c.ID),
		UserID:         strings.TrimSpace(c.UserID),
		ContactID:      strings.TrimSpace(c.ContactID),
		OrganizationID: strings.TrimSpace(c.OrganizationID),
		Agent:          agent,
		SessionID:      strings.TrimSpace(c.SessionID),
		TokensUsed:     *c.TokensUsed,
		ResponseTimeMs: *c.ResponseTimeMs,
		Tier:           tierName,
		OccurredAt:     occurredAt,
		ReceivedAt:     now.UTC(),
		Context:        c.Context,
	}, nil
}

// ParseTimestamp accepts RFC3339 with or without fractional seconds,
// and naive ISO timestamps which are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "notblank":
		return fe.Field() + " must not be blank"
	case "gte":
		return fe.Field() + " must be greater than or equal to " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	default:
		return fe.Field() + " is invalid"
	}
}
