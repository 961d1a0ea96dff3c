package spec

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
)

// Transform projects a validated document into the cached representation.
// The skip set comes from the validator; the mapping applies user renames,
// aliases, and hides. The caller must have run Validate first, which rules
// out mapping collisions and malformed secret extensions.
func Transform(doc *openapi3.T, skip map[EndpointKey]string, mapping config.CommandMapping, contextName string) (*CachedSpec, error) {
	cached := &CachedSpec{
		FormatVersion:   FormatVersion,
		Name:            contextName,
		SecuritySchemes: make(map[string]SecurityScheme),
	}
	if doc.Info != nil {
		cached.Title = doc.Info.Title
		cached.Version = doc.Info.Version
		cached.Description = doc.Info.Description
	}

	cached.Servers = transformServers(doc.Servers)

	if err := transformSecuritySchemes(doc, cached); err != nil {
		return nil, err
	}

	for _, req := range doc.Security {
		cached.GlobalSecurity = append(cached.GlobalSecurity, requirementNames(req))
	}

	for _, path := range sortedPaths(doc) {
		item := doc.Paths.Value(path)
		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			key := EndpointKey{Method: method, Path: path}
			if reason, skipped := skip[key]; skipped {
				cached.Skipped = append(cached.Skipped, SkippedEndpoint{
					Method: method, Path: path, Reason: reason,
				})
				continue
			}
			cop, err := transformOperation(doc, item, op, method, path, mapping)
			if err != nil {
				return nil, err
			}
			cached.Commands = append(cached.Commands, *cop)
		}
	}

	return cached, nil
}

func transformServers(servers openapi3.Servers) []Server {
	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		if s == nil {
			continue
		}
		server := Server{URLTemplate: s.URL}
		if len(s.Variables) > 0 {
			server.Variables = make(map[string]ServerVariable, len(s.Variables))
			for name, v := range s.Variables {
				if v == nil {
					continue
				}
				sv := ServerVariable{Description: v.Description}
				if len(v.Enum) > 0 {
					sv.Enum = append(sv.Enum, v.Enum...)
				}
				def := v.Default
				sv.Default = &def
				server.Variables[name] = sv
			}
		}
		out = append(out, server)
	}
	return out
}

// transformSecuritySchemes records the supported schemes as tagged variants.
// Unsupported variants are filtered entirely; endpoints requiring them are
// already in the skip set.
func transformSecuritySchemes(doc *openapi3.T, cached *CachedSpec) error {
	if doc.Components == nil {
		return nil
	}
	for name, ref := range doc.Components.SecuritySchemes {
		if ref == nil || ref.Value == nil {
			continue
		}
		scheme := ref.Value
		if schemeUnsupported(scheme) != "" {
			continue
		}

		secret, err := parseSecretExtension(name, scheme)
		if err != nil {
			return err
		}

		var out SecurityScheme
		switch strings.ToLower(scheme.Type) {
		case "apikey":
			out = SecurityScheme{
				Type:     SchemeAPIKey,
				Location: APIKeyLocation(strings.ToLower(scheme.In)),
				Name:     scheme.Name,
			}
		case "http":
			switch strings.ToLower(scheme.Scheme) {
			case "bearer":
				out = SecurityScheme{Type: SchemeHTTPBearer}
			case "basic":
				out = SecurityScheme{Type: SchemeHTTPBasic}
			default:
				out = SecurityScheme{Type: SchemeHTTPCustom, SchemeName: scheme.Scheme}
			}
		default:
			// Unknown types never reach here; schemeUnsupported rejected
			// oauth2/openIdConnect and anything else fails doc validation.
			continue
		}
		out.Secret = secret
		cached.SecuritySchemes[name] = out
	}
	return nil
}

func requirementNames(req openapi3.SecurityRequirement) []string {
	names := make([]string, 0, len(req))
	for name := range req {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func transformOperation(doc *openapi3.T, item *openapi3.PathItem, op *openapi3.Operation, method, path string, mapping config.CommandMapping) (*CachedOperation, error) {
	cop := &CachedOperation{
		Method:       method,
		PathTemplate: path,
		OperationID:  op.OperationID,
		Summary:      op.Summary,
		Description:  op.Description,
		Tags:         append([]string(nil), op.Tags...),
	}
	for _, tag := range op.Tags {
		cop.TagsKebab = append(cop.TagsKebab, Kebab(tag))
	}

	cop.DerivedGroup = GroupName(op.Tags)
	cop.DerivedName = OperationName(op.OperationID, method)
	group, name, aliases, hidden := applyMapping(op, method, mapping)
	cop.Group, cop.Name, cop.Aliases, cop.Hidden = group, name, aliases, hidden

	params, err := ResolveParameters(doc, item, op)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		tp, terr := transformParameter(p)
		if terr != nil {
			return nil, terr
		}
		if tp != nil {
			cop.Parameters = append(cop.Parameters, *tp)
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		rb, rerr := transformRequestBody(op.RequestBody.Value)
		if rerr != nil {
			return nil, rerr
		}
		cop.RequestBody = rb
	}

	if op.Security != nil {
		cop.OverridesSecurity = true
		for _, req := range *op.Security {
			cop.SecurityOverride = append(cop.SecurityOverride, requirementNames(req))
		}
	}

	cop.Response = extractResponseSchema(doc, op)
	return cop, nil
}

// transformParameter keeps path/query/header parameters; cookie parameters
// are not part of the supported subset and are dropped with the endpoint
// still usable.
func transformParameter(p *openapi3.Parameter) (*Parameter, error) {
	var loc ParameterLocation
	switch p.In {
	case openapi3.ParameterInPath:
		loc = LocPath
	case openapi3.ParameterInQuery:
		loc = LocQuery
	case openapi3.ParameterInHeader:
		loc = LocHeader
	default:
		return nil, nil
	}

	out := &Parameter{
		Name:        p.Name,
		Location:    loc,
		Required:    p.Required,
		TypeHint:    typeHint(p.Schema),
		Description: p.Description,
	}
	if p.Schema != nil {
		data, err := json.Marshal(p.Schema)
		if err != nil {
			return nil, errs.Wrap(errs.KindRuntime, err, "failed to serialize schema for parameter %q", p.Name)
		}
		out.SchemaJSON = data
	}
	return out, nil
}

func typeHint(ref *openapi3.SchemaRef) string {
	if ref == nil || ref.Value == nil || ref.Value.Type == nil {
		return "string"
	}
	types := ref.Value.Type.Slice()
	if len(types) == 0 {
		return "string"
	}
	switch types[0] {
	case openapi3.TypeInteger:
		return "integer"
	case openapi3.TypeNumber:
		return "number"
	case openapi3.TypeBoolean:
		return "boolean"
	case openapi3.TypeArray:
		return "array"
	default:
		return "string"
	}
}

// transformRequestBody picks the JSON content entry. The validator already
// guaranteed one exists when content is non-empty.
func transformRequestBody(rb *openapi3.RequestBody) (*RequestBody, error) {
	if len(rb.Content) == 0 {
		return nil, nil
	}
	mts := make([]string, 0, len(rb.Content))
	for mt := range rb.Content {
		mts = append(mts, mt)
	}
	sort.Strings(mts)
	for _, mt := range mts {
		if !IsJSONContentType(mt) {
			continue
		}
		media := rb.Content[mt]
		out := &RequestBody{
			ContentType: "application/json",
			Required:    rb.Required,
			Description: rb.Description,
		}
		if media != nil && media.Schema != nil {
			data, err := json.Marshal(media.Schema)
			if err != nil {
				return nil, errs.Wrap(errs.KindRuntime, err, "failed to serialize request body schema")
			}
			out.SchemaJSON = data
		}
		return out, nil
	}
	return nil, nil
}

// extractResponseSchema picks the canonical success response (200, 201,
// 204, else first 2xx) and copies its JSON schema. A top-level $ref into
// components.schemas is resolved one hop; deeper refs stay in place.
func extractResponseSchema(doc *openapi3.T, op *openapi3.Operation) *ResponseSchema {
	if op.Responses == nil {
		return nil
	}
	codes := []string{"200", "201", "204"}
	var chosen *openapi3.ResponseRef
	for _, code := range codes {
		if ref := op.Responses.Value(code); ref != nil {
			chosen = ref
			break
		}
	}
	if chosen == nil {
		var twoxx []string
		for code := range op.Responses.Map() {
			if strings.HasPrefix(code, "2") {
				twoxx = append(twoxx, code)
			}
		}
		sort.Strings(twoxx)
		if len(twoxx) > 0 {
			chosen = op.Responses.Value(twoxx[0])
		}
	}
	if chosen == nil || chosen.Value == nil {
		return nil
	}

	mts := make([]string, 0, len(chosen.Value.Content))
	for mt := range chosen.Value.Content {
		mts = append(mts, mt)
	}
	sort.Strings(mts)
	for _, mt := range mts {
		if !IsJSONContentType(mt) {
			continue
		}
		media := chosen.Value.Content[mt]
		out := &ResponseSchema{ContentType: mt}
		if media.Schema != nil {
			out.SchemaJSON = marshalSchemaOneHop(doc, media.Schema)
		}
		if media.Example != nil {
			if data, err := json.Marshal(media.Example); err == nil {
				out.ExampleJSON = data
			}
		}
		return out
	}
	return nil
}

func marshalSchemaOneHop(doc *openapi3.T, ref *openapi3.SchemaRef) []byte {
	const prefix = "#/components/schemas/"
	target := ref
	if ref.Ref != "" && strings.HasPrefix(ref.Ref, prefix) && doc.Components != nil {
		name := strings.TrimPrefix(ref.Ref, prefix)
		if resolved, ok := doc.Components.Schemas[name]; ok && resolved.Value != nil {
			// Marshal the target's value so nested refs stay as refs.
			data, err := resolved.Value.MarshalJSON()
			if err == nil {
				return data
			}
		}
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil
	}
	return data
}
