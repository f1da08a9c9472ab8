// Package policy implements host authorization rules as expr-lang expressions.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

// Rules holds the policy expressions. An empty expression allows everything.
//
// Both expressions see: subject, issuer, name, kind, version, revision, tags, caps.
// can_invoke additionally sees: target, target_kind, contract, link_name, operation.
type Rules struct {
	CanLoad   string `yaml:"can_load"`
	CanInvoke string `yaml:"can_invoke"`
}

// Authorizer evaluates compiled Rules.
type Authorizer struct {
	load   *vm.Program
	invoke *vm.Program
}

var _ ports.Authorizer = (*Authorizer)(nil)

// NewAuthorizer compiles rules. Compilation errors are returned immediately so
// a bad policy fails host startup instead of every call.
func NewAuthorizer(rules Rules) (*Authorizer, error) {
	a := &Authorizer{}
	var err error
	if rules.CanLoad != "" {
		if a.load, err = compile(rules.CanLoad, loadEnv(&capabilities.Claims{})); err != nil {
			return nil, apperrors.NewConfigurationError("policy", "invalid can_load expression", err)
		}
	}
	if rules.CanInvoke != "" {
		env := invokeEnv(&capabilities.Claims{}, invocation.Entity{}, "")
		if a.invoke, err = compile(rules.CanInvoke, env); err != nil {
			return nil, apperrors.NewConfigurationError("policy", "invalid can_invoke expression", err)
		}
	}
	return a, nil
}

// AllowAll returns an authorizer without rules.
func AllowAll() *Authorizer {
	return &Authorizer{}
}

// CanLoad applies the can_load rule to an actor's claims.
func (a *Authorizer) CanLoad(_ context.Context, claims *capabilities.Claims) error {
	if a.load == nil {
		return nil
	}
	return evaluate(a.load, loadEnv(claims), claims.Subject, "can_load")
}

// CanInvoke applies the can_invoke rule to an invocation from claims.Subject.
func (a *Authorizer) CanInvoke(_ context.Context, claims *capabilities.Claims, target invocation.Entity, operation string) error {
	if a.invoke == nil {
		return nil
	}
	return evaluate(a.invoke, invokeEnv(claims, target, operation), claims.Subject, "can_invoke")
}

func evaluate(program *vm.Program, env map[string]interface{}, subject, rule string) error {
	result, err := expr.Run(program, env)
	if err != nil {
		slog.Warn("policy evaluation failed", "rule", rule, "subject", subject, "error", err)
		return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, subject, rule+" evaluation failed", err)
	}
	if allowed, ok := result.(bool); !ok || !allowed {
		return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, subject, "denied by "+rule+" policy", nil)
	}
	return nil
}

func loadEnv(c *capabilities.Claims) map[string]interface{} {
	return map[string]interface{}{
		"subject":  c.Subject,
		"issuer":   c.Issuer,
		"name":     c.Name,
		"kind":     string(c.Kind),
		"version":  c.Version,
		"revision": c.Revision,
		"tags":     nonNil(c.Tags),
		"caps":     c.Grant.Strings(),
	}
}

func invokeEnv(c *capabilities.Claims, target invocation.Entity, operation string) map[string]interface{} {
	env := loadEnv(c)
	env["target"] = target.URL()
	env["target_kind"] = target.Kind.String()
	env["contract"] = target.ContractID
	env["link_name"] = target.LinkName
	env["operation"] = operation
	return env
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func compile(src string, env map[string]interface{}) (*vm.Program, error) {
	return expr.Compile(src,
		expr.Env(env),
		expr.AsBool(),
		expr.Function("semver", func(params ...interface{}) (interface{}, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("semver expects 2 arguments")
			}
			version, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("semver: first argument must be a string")
			}
			constraint, ok := params[1].(string)
			if !ok {
				return nil, fmt.Errorf("semver: second argument must be a string")
			}
			v, err := semver.NewVersion(version)
			if err != nil {
				return false, nil
			}
			c, err := semver.NewConstraint(constraint)
			if err != nil {
				return nil, fmt.Errorf("semver: invalid constraint %q: %w", constraint, err)
			}
			return c.Check(v), nil
		}),
	)
}
