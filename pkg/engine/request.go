// Package engine translates a matched operation and its flag values into an
// HTTP request, sends it through the retry and response-cache layers, and
// hands the response to the output pipeline.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/aperture-cli/aperture/pkg/auth"
	"github.com/aperture-cli/aperture/pkg/cache"
	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// ParamValues carries resolved flag values per parameter name. Arrays keep
// their element order.
type ParamValues map[string][]string

// BuildInput gathers everything the builder needs for one request.
type BuildInput struct {
	Context string
	Spec    *spec.CachedSpec
	Op      *spec.CachedOperation
	API     config.APIConfig

	Params ParamValues

	Body           string
	RawHeaders     []string // --header "Name: Value", repeatable
	BaseURLFlag    string
	ServerVars     map[string]string // --server-var name=value
	IdempotencyKey string

	// SecretBindings overrides the spec's x-aperture-secret extensions.
	SecretBindings map[string]config.SecretBinding
}

// BuiltRequest is the assembled request plus the metadata downstream layers
// need (cache keying, redaction).
type BuiltRequest struct {
	Method  string
	URL     *url.URL
	Headers http.Header
	Cookies []*http.Cookie
	Body    []byte

	// AuthHeaderNames tracks which headers carry credentials, for dry-run
	// redaction and cache policy.
	AuthHeaderNames []string
}

// HasAuth reports whether any credential is attached.
func (br *BuiltRequest) HasAuth() bool {
	return len(br.AuthHeaderNames) > 0 || len(br.Cookies) > 0
}

// HTTPRequest materializes an *http.Request; callable once per attempt.
func (br *BuiltRequest) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var req *http.Request
	var err error
	if len(br.Body) > 0 {
		req, err = http.NewRequestWithContext(ctx, br.Method, br.URL.String(), strings.NewReader(string(br.Body)))
	} else {
		req, err = http.NewRequestWithContext(ctx, br.Method, br.URL.String(), nil)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to create HTTP request")
	}
	for name, vals := range br.Headers {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	for _, c := range br.Cookies {
		req.AddCookie(c)
	}
	return req, nil
}

// Build assembles the request: URL, query, headers, auth, body.
func Build(in *BuildInput) (*BuiltRequest, error) {
	op := in.Op

	serverURL, err := resolveServerURL(in.Spec, in.ServerVars)
	if err != nil {
		return nil, err
	}
	base := config.ResolveBaseURL(config.BaseURLInput{
		FlagBaseURL: in.BaseURLFlag,
		API:         in.API,
		ServerURL:   serverURL,
		Fallback:    "http://localhost",
	})

	path, err := substitutePath(op, in.Params)
	if err != nil {
		return nil, err
	}

	full := strings.TrimSuffix(base, "/") + path
	u, err := url.Parse(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "failed to parse request URL %q", full)
	}

	applyQuery(u, op, in.Params)

	headers := http.Header{}
	headers.Set("Accept", "application/json")

	// Declared header parameters.
	for _, p := range op.Parameters {
		if p.Location != spec.LocHeader {
			continue
		}
		vals, ok := in.Params[p.Name]
		if !ok || len(vals) == 0 {
			if p.Required {
				return nil, errs.New(errs.KindValidation, "missing required header parameter %q", p.Name)
			}
			continue
		}
		for _, v := range vals {
			if err := checkHeader(p.Name, v); err != nil {
				return nil, err
			}
			headers.Add(p.Name, v)
		}
	}

	// --header escape hatch, with ${VAR} expansion.
	for _, raw := range in.RawHeaders {
		name, value, found := strings.Cut(raw, ":")
		if !found {
			return nil, errs.New(errs.KindHeaders, "header %q is not in \"Name: Value\" form", raw)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		expanded, err := ExpandEnv(value)
		if err != nil {
			return nil, err
		}
		if err := checkHeader(name, expanded); err != nil {
			return nil, err
		}
		headers.Add(name, expanded)
	}

	if in.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", in.IdempotencyKey)
	}

	br := &BuiltRequest{
		Method:  op.Method,
		URL:     u,
		Headers: headers,
	}

	// Body: ${VAR} expansion first, then it must parse as JSON.
	if in.Body != "" {
		if op.RequestBody == nil {
			return nil, errs.New(errs.KindValidation, "operation %s does not accept a request body", op.Name)
		}
		expanded, err := ExpandEnv(in.Body)
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(expanded)) {
			return nil, errs.New(errs.KindValidation, "request body is not valid JSON").
				WithHint(errs.HintJSONSyntax)
		}
		br.Body = []byte(expanded)
		headers.Set("Content-Type", "application/json")
	} else if op.RequestBody != nil && op.RequestBody.Required {
		return nil, errs.New(errs.KindValidation, "operation %s requires --body", op.Name)
	}

	// Authentication: first fully-resolvable requirement set wins.
	resolver := &auth.Resolver{Schemes: in.Spec.SecuritySchemes, Bindings: in.SecretBindings}
	cred, err := resolver.Resolve(op.EffectiveSecurity(in.Spec.GlobalSecurity))
	if err != nil {
		return nil, err
	}
	for name, value := range cred.Headers {
		headers.Set(name, value)
		br.AuthHeaderNames = append(br.AuthHeaderNames, name)
	}
	for name, value := range cred.Query {
		q := u.Query()
		q.Set(name, value)
		u.RawQuery = q.Encode()
		// Query credentials still count as auth for cache policy.
		br.AuthHeaderNames = append(br.AuthHeaderNames, "query:"+name)
	}
	for name, value := range cred.Cookies {
		br.Cookies = append(br.Cookies, &http.Cookie{Name: name, Value: value})
	}
	sort.Strings(br.AuthHeaderNames)

	return br, nil
}

// resolveServerURL substitutes {var} placeholders in the first server
// template. Provided --server-var values win, then declared defaults; a
// variable with neither fails, and enum-constrained values are checked.
func resolveServerURL(cached *spec.CachedSpec, vars map[string]string) (string, error) {
	if len(cached.Servers) == 0 {
		return "", nil
	}
	server := cached.Servers[0]
	result := server.URLTemplate

	for _, name := range templateVars(server.URLTemplate) {
		decl, declared := server.Variables[name]

		value, provided := vars[name]
		if !provided {
			if declared && decl.Default != nil {
				value = *decl.Default
			} else {
				return "", errs.New(errs.KindServerVariable,
					"server variable %q has no value and no default", name).
					WithHint(fmt.Sprintf("Pass --server-var %s=<value>.", name))
			}
		}
		if declared && len(decl.Enum) > 0 && !contains(decl.Enum, value) {
			return "", errs.New(errs.KindServerVariable,
				"server variable %q value %q is not in the allowed set [%s]", name, value, strings.Join(decl.Enum, ", "))
		}
		result = strings.ReplaceAll(result, "{"+name+"}", url.PathEscape(value))
	}
	return result, nil
}

var templateVarRe = regexp.MustCompile(`\{([^{}]+)\}`)

func templateVars(template string) []string {
	matches := templateVarRe.FindAllStringSubmatch(template, -1)
	vars := make([]string, 0, len(matches))
	for _, m := range matches {
		vars = append(vars, m[1])
	}
	return vars
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// substitutePath fills {param} placeholders from path parameter values,
// percent-encoded.
func substitutePath(op *spec.CachedOperation, params ParamValues) (string, error) {
	path := op.PathTemplate
	for _, p := range op.Parameters {
		if p.Location != spec.LocPath {
			continue
		}
		vals, ok := params[p.Name]
		if !ok || len(vals) == 0 {
			return "", errs.New(errs.KindValidation, "missing required path parameter %q", p.Name)
		}
		path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(vals[0]))
	}
	if rest := templateVars(path); len(rest) > 0 {
		return "", errs.New(errs.KindValidation, "path parameter %q has no value", rest[0])
	}
	return path, nil
}

// applyQuery appends query parameters; arrays become repeated keys.
func applyQuery(u *url.URL, op *spec.CachedOperation, params ParamValues) {
	q := u.Query()
	for _, p := range op.Parameters {
		if p.Location != spec.LocQuery {
			continue
		}
		for _, v := range params[p.Name] {
			q.Add(p.Name, v)
		}
	}
	u.RawQuery = q.Encode()
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} references from the environment. An unset
// variable is an error rather than a silent empty string.
func ExpandEnv(s string) (string, error) {
	var missing []string
	expanded := envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefRe.FindStringSubmatch(ref)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return value
	})
	if len(missing) > 0 {
		return "", errs.New(errs.KindValidation,
			"environment variable %s is referenced but not set", strings.Join(missing, ", "))
	}
	return expanded, nil
}

var headerNameRe = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")

// checkHeader validates a header name/value pair: token-char names, no
// CR/LF in values (header-injection defense).
func checkHeader(name, value string) error {
	if !headerNameRe.MatchString(name) {
		return errs.New(errs.KindHeaders, "invalid header name %q", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return errs.New(errs.KindHeaders, "header %q value contains CR or LF", name)
	}
	return nil
}

// CacheKey derives the response-cache key for the built request.
func (br *BuiltRequest) CacheKey(context string) string {
	return cache.Key(context, br.Method, br.URL, br.Body, br.Headers)
}
