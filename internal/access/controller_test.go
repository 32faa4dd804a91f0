package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/models"
)

func envConfig(name models.Environment) environment.Config {
	level := models.AccessFull
	if name.IsProduction() {
		level = models.AccessRestricted
	}
	return environment.Config{Name: name, AccessLevel: level}
}

func fullCaller(role models.Role) models.Caller {
	var perms []string
	for _, env := range models.AllEnvironments {
		perms = append(perms, models.AccessPermission(env), models.WritePermission(env))
	}
	return models.Caller{ID: "u-" + string(role), Role: role, Permissions: perms}
}

func TestController_VerbRoleTable(t *testing.T) {
	c := NewController(nil)
	ctx := context.Background()

	for _, env := range models.AllEnvironments {
		for _, role := range []models.Role{models.RoleAdmin, models.RoleDeveloper, models.RoleReadOnly} {
			for _, verb := range models.AllVerbs {
				caller := fullCaller(role)
				d := c.Evaluate(ctx, caller, envConfig(env), *models.NewOperation(verb, "users"))

				var want bool
				switch {
				case !verb.IsWrite():
					want = true
				case role == models.RoleReadOnly:
					want = false
				case env.IsProduction() && verb.IsDestructive():
					want = role == models.RoleAdmin
				default:
					want = true
				}

				assert.Equal(t, want, d.Allowed, "%s %s %s: %s", env, role, verb, d.Reason)
				if role == models.RoleReadOnly && verb.IsWrite() {
					assert.Equal(t, RuleReadOnlyRole, d.Rule)
				}
			}
		}
	}
}

func TestController_RequiresEnvironmentAccess(t *testing.T) {
	c := NewController(nil)
	caller := models.Caller{ID: "dev", Role: models.RoleAdmin, Permissions: []string{"staging:access"}}

	err := c.Validate(context.Background(), caller, envConfig(models.EnvProduction), *models.NewOperation(models.VerbSelect, "users"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, RuleEnvironmentAccess, denied.Rule)
	assert.Equal(t, models.EnvProduction, denied.Environment)

	assert.NoError(t, c.Validate(context.Background(), caller, envConfig(models.EnvStaging), *models.NewOperation(models.VerbSelect, "users")))
}

func TestController_ProductionWriteRequiresPermission(t *testing.T) {
	c := NewController(nil)
	caller := models.Caller{ID: "dev", Role: models.RoleDeveloper, Permissions: []string{"production:access"}}

	d := c.Evaluate(context.Background(), caller, envConfig(models.EnvProduction), *models.NewOperation(models.VerbInsert, "users"))
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleProductionWrite, d.Rule)

	d = c.Evaluate(context.Background(), caller, envConfig(models.EnvProduction), *models.NewOperation(models.VerbSelect, "users"))
	assert.True(t, d.Allowed)
}

func TestController_ReadOnlyEnvironment(t *testing.T) {
	c := NewController(nil)
	env := envConfig(models.EnvStaging)
	env.ReadOnly = true

	d := c.Evaluate(context.Background(), fullCaller(models.RoleAdmin), env, *models.NewOperation(models.VerbUpdate, "users"))
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleEnvironmentReadOnly, d.Rule)
}

func TestController_CustomApproval(t *testing.T) {
	approved := false
	c := NewController(ApprovalFunc(func(context.Context, models.Caller, models.Environment, models.Operation) (bool, string) {
		return approved, ""
	}))
	caller := fullCaller(models.RoleDeveloper)
	op := *models.NewOperation(models.VerbDrop, "sessions")

	assert.False(t, c.Evaluate(context.Background(), caller, envConfig(models.EnvProduction), op).Allowed)
	approved = true
	assert.True(t, c.Evaluate(context.Background(), caller, envConfig(models.EnvProduction), op).Allowed)
}

func TestController_UnknownVerb(t *testing.T) {
	d := NewController(nil).Evaluate(context.Background(), fullCaller(models.RoleAdmin), envConfig(models.EnvTesting), models.Operation{Type: "GRANT"})
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleUnknownVerb, d.Rule)
}

func TestController_ReadOnlyNeverWrites(t *testing.T) {
	c := NewController(nil)
	rapid.Check(t, func(t *rapid.T) {
		env := rapid.SampledFrom(models.AllEnvironments).Draw(t, "env")
		verb := rapid.SampledFrom(models.AllVerbs).Draw(t, "verb")
		perms := rapid.SliceOf(rapid.SampledFrom([]string{
			"production:access", "production:write", "staging:access", "development:access", "testing:access",
		})).Draw(t, "perms")

		caller := models.Caller{ID: "r", Role: models.RoleReadOnly, Permissions: perms}
		d := c.Evaluate(context.Background(), caller, envConfig(env), *models.NewOperation(verb, "t"))
		if verb.IsWrite() && d.Allowed {
			t.Fatalf("readonly caller allowed %s on %s", verb, env)
		}
	})
}
