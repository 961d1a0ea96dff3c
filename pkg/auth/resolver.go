// Package auth resolves an operation's security requirements to concrete
// request credentials.
//
// The only secret source is the environment: a scheme is bound to an env
// var either by the spec's x-aperture-secret extension or by a user binding
// from `config set-secret`. Values are read at request time and never
// persisted or logged.
package auth

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// Credential is the resolved set of request mutations for one requirement
// set: headers, query parameters, and cookies to attach.
type Credential struct {
	Headers map[string]string
	Query   map[string]string
	Cookies map[string]string
}

func newCredential() *Credential {
	return &Credential{
		Headers: make(map[string]string),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// Empty reports whether the credential carries nothing.
func (c *Credential) Empty() bool {
	return len(c.Headers) == 0 && len(c.Query) == 0 && len(c.Cookies) == 0
}

// Resolver resolves requirement sets against the cached schemes and the
// user's secret bindings.
type Resolver struct {
	Schemes  map[string]spec.SecurityScheme
	Bindings map[string]config.SecretBinding // overrides x-aperture-secret
}

// Resolve walks the requirement sets in order and returns the credential
// for the first set whose schemes all resolve. Sets are OR'd; schemes
// within a set are AND'd. An empty requirements list yields an empty
// credential.
func (r *Resolver) Resolve(requirements [][]string) (*Credential, error) {
	if len(requirements) == 0 {
		return newCredential(), nil
	}

	var firstErr error
	for _, set := range requirements {
		cred := newCredential()
		ok := true
		for _, schemeName := range set {
			if err := r.apply(cred, schemeName); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				ok = false
				break
			}
		}
		if ok {
			return cred, nil
		}
	}
	return nil, firstErr
}

// apply resolves one scheme into the credential.
func (r *Resolver) apply(cred *Credential, schemeName string) error {
	scheme, ok := r.Schemes[schemeName]
	if !ok {
		return errs.New(errs.KindAuthentication, "security scheme %q is not in the cached spec", schemeName)
	}

	value, err := r.secretValue(schemeName, scheme)
	if err != nil {
		return err
	}

	switch scheme.Type {
	case spec.SchemeAPIKey:
		switch scheme.Location {
		case spec.InHeader:
			cred.Headers[scheme.Name] = value
		case spec.InQuery:
			cred.Query[scheme.Name] = value
		case spec.InCookie:
			cred.Cookies[scheme.Name] = value
		default:
			return errs.New(errs.KindAuthentication, "scheme %q has unsupported apiKey location %q", schemeName, scheme.Location)
		}
	case spec.SchemeHTTPBearer:
		cred.Headers["Authorization"] = "Bearer " + value
	case spec.SchemeHTTPBasic:
		// The env value is used verbatim as user:pass.
		cred.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(value))
	case spec.SchemeHTTPCustom:
		cred.Headers["Authorization"] = scheme.SchemeName + " " + value
	default:
		return errs.New(errs.KindAuthentication, "scheme %q has unsupported type %q", schemeName, scheme.Type)
	}
	return nil
}

// secretValue finds the env binding for a scheme (user binding first, then
// the spec extension) and reads its value.
func (r *Resolver) secretValue(schemeName string, scheme spec.SecurityScheme) (string, error) {
	var envVar string
	if binding, ok := r.Bindings[schemeName]; ok {
		if binding.Source != "env" || binding.Name == "" {
			return "", errs.New(errs.KindAuthentication,
				"secret binding for scheme %q is malformed (source must be \"env\" with a variable name)", schemeName)
		}
		envVar = binding.Name
	} else if scheme.Secret != nil {
		envVar = scheme.Secret.Name
	} else {
		return "", errs.New(errs.KindAuthentication, "no secret configured for security scheme %q", schemeName).
			WithDetail("scheme_name", schemeName).
			WithHint(fmt.Sprintf("Bind one with 'aperture config set-secret <context> %s --env <VAR>'.", schemeName))
	}

	value, ok := os.LookupEnv(envVar)
	if !ok {
		return "", errs.New(errs.KindAuthentication,
			"environment variable %s for security scheme %q is not set", envVar, schemeName).
			WithDetail("scheme_name", schemeName).
			WithDetail("env_var", envVar).
			WithHint(fmt.Sprintf("Export %s with the credential value.", envVar))
	}
	return value, nil
}
