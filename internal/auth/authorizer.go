package auth

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	"github.com/gobwas/glob"

	"github.com/compose-paas/backend/internal/config"
	"github.com/compose-paas/backend/internal/model"
)

// Authorizer answers whether a user holds a capability on an app.
type Authorizer interface {
	Authorize(userID, appName string, capability model.Capability) bool
}

// Policies is a casbin backed Authorizer. App names in policies are globs;
// capabilities are joined with "|" and "*" grants all of them.
type Policies struct {
	enforcer *casbin.SyncedEnforcer
}

// NewPolicies builds an authorizer from the configured policies and roles.
func NewPolicies(cfg config.AuthConfig) (*Policies, error) {
	m := casbinmodel.NewModel()
	m.AddDef("r", "r", "sub, app, act")
	m.AddDef("p", "p", "sub, app, act")
	m.AddDef("g", "g", "_, _")
	m.AddDef("e", "e", "some(where (p.eft == allow))")
	m.AddDef("m", "m", "g(r.sub, p.sub) && AppMatch(r.app, p.app) && ActionMatch(r.act, p.act)")

	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	e.AddFunction("AppMatch", appMatchFunc)
	e.AddFunction("ActionMatch", actionMatchFunc)

	for _, p := range cfg.Policies {
		if _, err := glob.Compile(p.App); err != nil {
			return nil, fmt.Errorf("invalid app pattern %q: %w", p.App, err)
		}
		caps := make([]string, len(p.Capabilities))
		for i, c := range p.Capabilities {
			caps[i] = string(c)
		}
		if _, err := e.AddPolicy(p.Subject, p.App, strings.Join(caps, "|")); err != nil {
			return nil, fmt.Errorf("failed to add policy for %s: %w", p.Subject, err)
		}
	}
	for _, r := range cfg.Roles {
		if _, err := e.AddGroupingPolicy(r.User, r.Role); err != nil {
			return nil, fmt.Errorf("failed to bind role %s to %s: %w", r.Role, r.User, err)
		}
	}

	return &Policies{enforcer: e}, nil
}

// Authorize reports whether userID holds capability on appName.
func (p *Policies) Authorize(userID, appName string, capability model.Capability) bool {
	ok, err := p.enforcer.Enforce(userID, appName, string(capability))
	return err == nil && ok
}

func appMatch(request, policy string) bool {
	g, err := glob.Compile(policy)
	if err != nil {
		return false
	}
	return g.Match(request)
}

func appMatchFunc(args ...interface{}) (interface{}, error) {
	request := args[0].(string)
	policy := args[1].(string)

	return (bool)(appMatch(request, policy)), nil
}

func actionMatch(request string, policy string) bool {
	for _, a := range strings.Split(policy, "|") {
		if a == "*" || a == request {
			return true
		}
	}
	return false
}

func actionMatchFunc(args ...interface{}) (interface{}, error) {
	request := args[0].(string)
	policy := args[1].(string)

	return (bool)(actionMatch(request, policy)), nil
}
