// Package access decides whether a caller may run an operation against an environment.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/models"
)

var ErrAccessDenied = errors.New("access denied")

// Rule names the check that produced a decision.
type Rule string

const (
	RuleUnknownVerb         Rule = "unknown_verb"
	RuleEnvironmentAccess   Rule = "environment_access"
	RuleReadOnlyRole        Rule = "readonly_role"
	RuleEnvironmentReadOnly Rule = "environment_read_only"
	RuleProductionWrite     Rule = "production_write"
	RuleDestructiveApproval Rule = "destructive_approval"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    Rule   `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DeniedError is returned by Validate. It unwraps to ErrAccessDenied.
type DeniedError struct {
	CallerID    string
	Environment models.Environment
	Verb        models.Verb
	Rule        Rule
	Reason      string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s %s on %s: %s", e.CallerID, e.Verb, e.Environment, e.Reason)
}

func (e *DeniedError) Unwrap() error {
	return ErrAccessDenied
}

// ApprovalPolicy is consulted for destructive verbs in production and in restricted
// environments.
type ApprovalPolicy interface {
	Approve(ctx context.Context, caller models.Caller, env models.Environment, op models.Operation) (bool, string)
}

type ApprovalFunc func(ctx context.Context, caller models.Caller, env models.Environment, op models.Operation) (bool, string)

func (f ApprovalFunc) Approve(ctx context.Context, caller models.Caller, env models.Environment, op models.Operation) (bool, string) {
	return f(ctx, caller, env, op)
}

// AdminApproval approves admins only.
var AdminApproval = ApprovalFunc(func(_ context.Context, caller models.Caller, _ models.Environment, op models.Operation) (bool, string) {
	if caller.Role == models.RoleAdmin {
		return true, ""
	}
	return false, fmt.Sprintf("%s requires admin approval", op.Type)
})

type Controller struct {
	approval ApprovalPolicy
}

// NewController returns a controller using approval for destructive verbs; nil means
// AdminApproval.
func NewController(approval ApprovalPolicy) *Controller {
	if approval == nil {
		approval = AdminApproval
	}
	return &Controller{approval: approval}
}

// Evaluate applies the rules in order and stops at the first denial.
func (c *Controller) Evaluate(ctx context.Context, caller models.Caller, env environment.Config, op models.Operation) Decision {
	verb := op.Type
	valid := false
	for _, v := range models.AllVerbs {
		if v == verb {
			valid = true
			break
		}
	}
	if !valid {
		return deny(RuleUnknownVerb, fmt.Sprintf("unknown operation %q", verb))
	}

	if !caller.HasPermission(models.AccessPermission(env.Name)) {
		return deny(RuleEnvironmentAccess, "missing permission "+models.AccessPermission(env.Name))
	}

	if !verb.IsWrite() {
		return Decision{Allowed: true}
	}

	if caller.Role == models.RoleReadOnly {
		return deny(RuleReadOnlyRole, "readonly role cannot run "+string(verb))
	}

	if env.WritesBlocked() {
		return deny(RuleEnvironmentReadOnly, fmt.Sprintf("environment %s is read-only", env.Name))
	}

	if env.Name.IsProduction() && !caller.HasPermission(models.WritePermission(env.Name)) {
		return deny(RuleProductionWrite, "missing permission "+models.WritePermission(env.Name))
	}

	if verb.IsDestructive() && (env.Name.IsProduction() || env.AccessLevel == models.AccessRestricted) {
		if ok, reason := c.approval.Approve(ctx, caller, env.Name, op); !ok {
			if reason == "" {
				reason = "approval denied"
			}
			return deny(RuleDestructiveApproval, reason)
		}
	}

	return Decision{Allowed: true}
}

// Validate returns a *DeniedError when Evaluate denies the operation.
func (c *Controller) Validate(ctx context.Context, caller models.Caller, env environment.Config, op models.Operation) error {
	d := c.Evaluate(ctx, caller, env, op)
	if d.Allowed {
		return nil
	}
	return &DeniedError{
		CallerID:    caller.ID,
		Environment: env.Name,
		Verb:        op.Type,
		Rule:        d.Rule,
		Reason:      d.Reason,
	}
}

func deny(rule Rule, reason string) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}
