package saga

import (
	"context"
	"fmt"
	"time"
)

// StepValidityKind classifies one previously completed step while a retry is
// being planned.
type StepValidityKind int

const (
	// ValidityStillValid: the prior artifact is reusable, skip the step.
	ValidityStillValid StepValidityKind = iota
	// ValidityExpiredRefreshable: the reuse window lapsed but re-running
	// the step obtains a fresh equivalent (a new reservation or quote).
	ValidityExpiredRefreshable
	// ValidityInvalidReExecution: the prior artifact is unusable and the
	// work must be done over (an authorization past its capture window).
	ValidityInvalidReExecution
	// ValidityNotCompleted: the step never completed in any prior
	// execution.
	ValidityNotCompleted
)

// String returns the wire label for the classification.
func (k StepValidityKind) String() string {
	switch k {
	case ValidityStillValid:
		return "still_valid"
	case ValidityExpiredRefreshable:
		return "expired_refreshable"
	case ValidityInvalidReExecution:
		return "invalid_requires_reexecution"
	case ValidityNotCompleted:
		return "not_completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RequiresExecution reports whether the step must run again on resume.
func (k StepValidityKind) RequiresExecution() bool {
	return k != ValidityStillValid
}

// StepValidity is the classification of one step together with the reason,
// recorded for the retry audit trail.
type StepValidity struct {
	StepName string           `json:"step_name"`
	StepType StepType         `json:"step_type"`
	Kind     StepValidityKind `json:"kind"`
	Reason   string           `json:"reason,omitempty"`
}

// TTLConfig holds the per-step-type reuse windows, measured from the step's
// CompletedAt. Inventory holds are short lived at the warehouse, payment
// authorizations survive for a day, carrier quotes sit in between.
type TTLConfig struct {
	InventoryReservation time.Duration
	PaymentAuthorization time.Duration
	ShippingArrangement  time.Duration
}

// DefaultTTLConfig returns the standard reuse windows.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		InventoryReservation: 1 * time.Hour,
		PaymentAuthorization: 24 * time.Hour,
		ShippingArrangement:  4 * time.Hour,
	}
}

// ForType returns the reuse window for a step type. Unknown types get zero,
// which classifies every prior result as expired.
func (c TTLConfig) ForType(t StepType) time.Duration {
	switch t {
	case StepTypeInventory:
		return c.InventoryReservation
	case StepTypePayment:
		return c.PaymentAuthorization
	case StepTypeShipping:
		return c.ShippingArrangement
	default:
		return 0
	}
}

// ArtifactVerifier asks the owning external service whether a step-produced
// artifact is still active. Implementations live next to the service
// clients; see the fulfillment package.
type ArtifactVerifier interface {
	// VerifyArtifact returns false when the artifact is known to be gone
	// (reservation released, authorization voided, shipment cancelled).
	// An error means the answer is unknown, not that the artifact is dead.
	VerifyArtifact(ctx context.Context, stepType StepType, data map[string]string) (bool, error)
}

// ArtifactVerifierFunc adapts a function to the ArtifactVerifier interface.
type ArtifactVerifierFunc func(ctx context.Context, stepType StepType, data map[string]string) (bool, error)

// VerifyArtifact implements ArtifactVerifier.
func (f ArtifactVerifierFunc) VerifyArtifact(ctx context.Context, stepType StepType, data map[string]string) (bool, error) {
	return f(ctx, stepType, data)
}

// artifactKeyForType maps a step type to the payload key its artifact id is
// stored under.
func artifactKeyForType(t StepType) string {
	switch t {
	case StepTypeInventory:
		return KeyReservationID.Name()
	case StepTypePayment:
		return KeyAuthorizationID.Name()
	case StepTypeShipping:
		return KeyShipmentID.Name()
	default:
		return ""
	}
}

// StepValidityChecker classifies prior step results for retry planning. The
// TTL is the primary defense; external verification is a best-effort second
// opinion that fails open, because refusing a retry over a flaky
// verification call would force needless re-work on the customer.
type StepValidityChecker struct {
	ttl      TTLConfig
	verifier ArtifactVerifier
	logger   Logger
	now      func() time.Time
}

// ValidityCheckerOption configures a StepValidityChecker.
type ValidityCheckerOption func(*StepValidityChecker)

// WithArtifactVerifier wires an external verification port.
func WithArtifactVerifier(v ArtifactVerifier) ValidityCheckerOption {
	return func(c *StepValidityChecker) { c.verifier = v }
}

// WithValidityLogger sets the checker's logger.
func WithValidityLogger(l Logger) ValidityCheckerOption {
	return func(c *StepValidityChecker) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithValidityClock overrides the clock. Tests use this to age results.
func WithValidityClock(now func() time.Time) ValidityCheckerOption {
	return func(c *StepValidityChecker) {
		if now != nil {
			c.now = now
		}
	}
}

// NewStepValidityChecker creates a checker with the given reuse windows.
func NewStepValidityChecker(ttl TTLConfig, opts ...ValidityCheckerOption) *StepValidityChecker {
	c := &StepValidityChecker{
		ttl:    ttl,
		logger: nopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify decides whether a prior result for the step can be reused.
// result may be nil when the step never ran.
func (c *StepValidityChecker) Classify(ctx context.Context, step Step, result *SagaStepResult) StepValidity {
	v := StepValidity{StepName: step.Name(), StepType: step.Type()}

	if result == nil || result.Status != StepCompleted {
		v.Kind = ValidityNotCompleted
		if result == nil {
			v.Reason = "no prior result"
		} else {
			v.Reason = fmt.Sprintf("prior status %s", result.Status)
		}
		return v
	}

	completedAt := result.StartedAt
	if result.CompletedAt != nil {
		completedAt = *result.CompletedAt
	}
	age := c.now().Sub(completedAt)
	ttl := c.ttl.ForType(step.Type())
	if age > ttl {
		v.Kind = c.expiredKind(step.Type())
		v.Reason = fmt.Sprintf("completed %s ago, reuse window %s", age.Round(time.Second), ttl)
		return v
	}

	if alive, reason := c.verifyArtifact(ctx, step.Type(), result.Data); !alive {
		v.Kind = c.expiredKind(step.Type())
		v.Reason = reason
		return v
	}

	v.Kind = ValidityStillValid
	v.Reason = fmt.Sprintf("completed %s ago, within reuse window %s", age.Round(time.Second), ttl)
	return v
}

// expiredKind maps a step type to its past-TTL classification. Payment must
// genuinely re-authorize; inventory and shipping refresh by re-running.
func (c *StepValidityChecker) expiredKind(t StepType) StepValidityKind {
	if t == StepTypePayment {
		return ValidityInvalidReExecution
	}
	return ValidityExpiredRefreshable
}

// verifyArtifact consults the external service when a verifier is wired and
// the result carries an artifact id. Verification errors count as alive.
func (c *StepValidityChecker) verifyArtifact(ctx context.Context, stepType StepType, data map[string]string) (bool, string) {
	if c.verifier == nil {
		return true, ""
	}
	key := artifactKeyForType(stepType)
	if key == "" || data[key] == "" {
		return true, ""
	}

	alive, err := c.verifier.VerifyArtifact(ctx, stepType, data)
	if err != nil {
		c.logger.Warn("artifact verification unavailable, assuming still valid",
			"step_type", string(stepType), "error", err)
		return true, ""
	}
	if !alive {
		return false, fmt.Sprintf("external service reports %s no longer active", key)
	}
	return true, ""
}
