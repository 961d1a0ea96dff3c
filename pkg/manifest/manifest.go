// Package manifest projects a cached spec into the --describe-json shape
// consumed by agents for capability discovery.
package manifest

import (
	"encoding/json"

	"github.com/aperture-cli/aperture/pkg/spec"
)

// Manifest is the --describe-json root.
type Manifest struct {
	API             APIInfo              `json:"api"`
	Commands        map[string][]Command `json:"commands"`
	SecuritySchemes map[string]Scheme    `json:"security_schemes"`
}

// APIInfo describes the API itself.
type APIInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
}

// Command is one invokable operation.
type Command struct {
	Name                 string      `json:"name"`
	Method               string      `json:"method"`
	Path                 string      `json:"path"`
	Description          string      `json:"description,omitempty"`
	Summary              string      `json:"summary,omitempty"`
	OperationID          string      `json:"operation_id,omitempty"`
	Parameters           []Parameter `json:"parameters"`
	RequestBody          *Body       `json:"request_body,omitempty"`
	SecurityRequirements [][]string  `json:"security_requirements"`
	Tags                 []string    `json:"tags,omitempty"`
	ResponseSchema       *Response   `json:"response_schema,omitempty"`

	// Mapping overrides, present only when they differ from defaults.
	DisplayName  string   `json:"display_name,omitempty"`
	DisplayGroup string   `json:"display_group,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
}

// Parameter is one operation parameter.
type Parameter struct {
	Name        string          `json:"name"`
	Location    string          `json:"location"`
	Required    bool            `json:"required"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Body is the request body description.
type Body struct {
	ContentType string          `json:"content_type"`
	Required    bool            `json:"required"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Response is the canonical success response description.
type Response struct {
	ContentType string          `json:"content_type"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Example     json.RawMessage `json:"example,omitempty"`
}

// Scheme is a security scheme tagged by type.
type Scheme struct {
	Type   string              `json:"type"`
	Scheme string              `json:"scheme,omitempty"`
	In     string              `json:"in,omitempty"`
	Name   string              `json:"name,omitempty"`
	Secret *spec.SecretBinding `json:"x-aperture-secret,omitempty"`
}

// Project builds the manifest from a cached spec. Hidden commands are
// excluded; commands are grouped by their effective display group.
func Project(cached *spec.CachedSpec, baseURL string) *Manifest {
	m := &Manifest{
		API: APIInfo{
			Name:        cached.Title,
			Version:     cached.Version,
			Description: cached.Description,
			BaseURL:     baseURL,
		},
		Commands:        make(map[string][]Command),
		SecuritySchemes: make(map[string]Scheme),
	}

	for name, scheme := range cached.SecuritySchemes {
		m.SecuritySchemes[name] = projectScheme(scheme)
	}

	for i := range cached.Commands {
		op := &cached.Commands[i]
		if op.Hidden {
			continue
		}
		m.Commands[op.Group] = append(m.Commands[op.Group], projectCommand(op, cached.GlobalSecurity))
	}
	return m
}

func projectScheme(s spec.SecurityScheme) Scheme {
	out := Scheme{Secret: s.Secret}
	switch s.Type {
	case spec.SchemeAPIKey:
		out.Type = "apiKey"
		out.In = string(s.Location)
		out.Name = s.Name
	case spec.SchemeHTTPBearer:
		out.Type = "http"
		out.Scheme = "bearer"
	case spec.SchemeHTTPBasic:
		out.Type = "http"
		out.Scheme = "basic"
	case spec.SchemeHTTPCustom:
		out.Type = "http"
		out.Scheme = s.SchemeName
	}
	return out
}

func projectCommand(op *spec.CachedOperation, globalSecurity [][]string) Command {
	cmd := Command{
		Name:                 op.Name,
		Method:               op.Method,
		Path:                 op.PathTemplate,
		Description:          op.Description,
		Summary:              op.Summary,
		OperationID:          op.OperationID,
		SecurityRequirements: op.EffectiveSecurity(globalSecurity),
		Tags:                 op.Tags,
		Parameters:           make([]Parameter, 0, len(op.Parameters)),
	}
	if cmd.SecurityRequirements == nil {
		cmd.SecurityRequirements = [][]string{}
	}

	for _, p := range op.Parameters {
		cmd.Parameters = append(cmd.Parameters, Parameter{
			Name:        p.Name,
			Location:    string(p.Location),
			Required:    p.Required,
			Type:        p.TypeHint,
			Description: p.Description,
			Schema:      json.RawMessage(p.SchemaJSON),
		})
	}
	if op.RequestBody != nil {
		cmd.RequestBody = &Body{
			ContentType: op.RequestBody.ContentType,
			Required:    op.RequestBody.Required,
			Description: op.RequestBody.Description,
			Schema:      json.RawMessage(op.RequestBody.SchemaJSON),
		}
	}
	if op.Response != nil {
		cmd.ResponseSchema = &Response{
			ContentType: op.Response.ContentType,
			Schema:      json.RawMessage(op.Response.SchemaJSON),
			Example:     json.RawMessage(op.Response.ExampleJSON),
		}
	}

	if op.Name != op.DerivedName {
		cmd.DisplayName = op.Name
	}
	if op.Group != op.DerivedGroup {
		cmd.DisplayGroup = op.Group
	}
	cmd.Aliases = op.Aliases
	return cmd
}
