package engine

import (
	"strings"
	"testing"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

func testSpec() *spec.CachedSpec {
	def := "us"
	return &spec.CachedSpec{
		FormatVersion: spec.FormatVersion,
		Name:          "petshop",
		Title:         "Petshop",
		Servers: []spec.Server{{
			URLTemplate: "https://{region}.example.com/v1",
			Variables: map[string]spec.ServerVariable{
				"region": {Default: &def, Enum: []string{"us", "eu"}},
			},
		}},
		SecuritySchemes: map[string]spec.SecurityScheme{
			"bearerAuth": {Type: spec.SchemeHTTPBearer, Secret: &spec.SecretBinding{Source: "env", Name: "TKN"}},
		},
		GlobalSecurity: [][]string{{"bearerAuth"}},
	}
}

func getUserOp() *spec.CachedOperation {
	return &spec.CachedOperation{
		Method:       "GET",
		PathTemplate: "/users/{id}",
		OperationID:  "getUserById",
		Group:        "users",
		Name:         "get-user-by-id",
		Parameters: []spec.Parameter{
			{Name: "id", Location: spec.LocPath, Required: true, TypeHint: "string"},
			{Name: "expand", Location: spec.LocQuery, TypeHint: "array"},
			{Name: "X-Trace", Location: spec.LocHeader, TypeHint: "string"},
		},
	}
}

func createUserOp() *spec.CachedOperation {
	return &spec.CachedOperation{
		Method:       "POST",
		PathTemplate: "/users",
		OperationID:  "createUser",
		Group:        "users",
		Name:         "create-user",
		RequestBody:  &spec.RequestBody{ContentType: "application/json", Required: true},
	}
}

func TestBuildSimpleGet(t *testing.T) {
	t.Setenv("TKN", "secret123")

	br, err := Build(&BuildInput{
		Context: "petshop",
		Spec:    testSpec(),
		Op:      getUserOp(),
		Params:  ParamValues{"id": {"42"}},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := br.URL.String(); got != "https://us.example.com/v1/users/42" {
		t.Errorf("URL = %q", got)
	}
	if got := br.Headers.Get("Authorization"); got != "Bearer secret123" {
		t.Errorf("Authorization = %q", got)
	}
	if !br.HasAuth() {
		t.Error("request should report attached auth")
	}
}

func TestBuildPathEscaping(t *testing.T) {
	t.Setenv("TKN", "x")
	br, err := Build(&BuildInput{
		Context: "petshop",
		Spec:    testSpec(),
		Op:      getUserOp(),
		Params:  ParamValues{"id": {"a/b c"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(br.URL.Path, "a%2Fb c") && !strings.Contains(br.URL.EscapedPath(), "a%2Fb%20c") {
		t.Errorf("path parameter not escaped: %q", br.URL.String())
	}
}

func TestBuildQueryArraysRepeatKeys(t *testing.T) {
	t.Setenv("TKN", "x")
	br, err := Build(&BuildInput{
		Context: "petshop",
		Spec:    testSpec(),
		Op:      getUserOp(),
		Params:  ParamValues{"id": {"1"}, "expand": {"pets", "orders"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	vals := br.URL.Query()["expand"]
	if len(vals) != 2 || vals[0] != "pets" || vals[1] != "orders" {
		t.Errorf("expand = %v", vals)
	}
}

func TestBuildServerVariables(t *testing.T) {
	t.Setenv("TKN", "x")

	t.Run("explicit value", func(t *testing.T) {
		br, err := Build(&BuildInput{
			Context:    "petshop",
			Spec:       testSpec(),
			Op:         getUserOp(),
			Params:     ParamValues{"id": {"1"}},
			ServerVars: map[string]string{"region": "eu"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(br.URL.String(), "https://eu.example.com") {
			t.Errorf("URL = %q", br.URL.String())
		}
	})

	t.Run("enum violation", func(t *testing.T) {
		_, err := Build(&BuildInput{
			Context:    "petshop",
			Spec:       testSpec(),
			Op:         getUserOp(),
			Params:     ParamValues{"id": {"1"}},
			ServerVars: map[string]string{"region": "mars"},
		})
		if !errs.IsKind(err, errs.KindServerVariable) {
			t.Errorf("expected ServerVariable error, got %v", err)
		}
	})

	t.Run("missing without default", func(t *testing.T) {
		s := testSpec()
		s.Servers[0].Variables["region"] = spec.ServerVariable{Enum: []string{"us", "eu"}}
		_, err := Build(&BuildInput{
			Context: "petshop",
			Spec:    s,
			Op:      getUserOp(),
			Params:  ParamValues{"id": {"1"}},
		})
		if !errs.IsKind(err, errs.KindServerVariable) {
			t.Errorf("expected ServerVariable error, got %v", err)
		}
	})

	t.Run("empty-string default is preserved", func(t *testing.T) {
		s := testSpec()
		empty := ""
		s.Servers[0].Variables["region"] = spec.ServerVariable{Default: &empty}
		br, err := Build(&BuildInput{
			Context: "petshop",
			Spec:    s,
			Op:      getUserOp(),
			Params:  ParamValues{"id": {"1"}},
		})
		if err != nil {
			t.Fatalf("empty default must not be treated as missing: %v", err)
		}
		if !strings.HasPrefix(br.URL.String(), "https://.example.com") {
			t.Errorf("URL = %q", br.URL.String())
		}
	})
}

func TestBuildBaseURLFlagWins(t *testing.T) {
	t.Setenv("TKN", "x")
	br, err := Build(&BuildInput{
		Context:     "petshop",
		Spec:        testSpec(),
		Op:          getUserOp(),
		Params:      ParamValues{"id": {"1"}},
		BaseURLFlag: "http://localhost:8080",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := br.URL.String(); got != "http://localhost:8080/users/1" {
		t.Errorf("URL = %q", got)
	}
}

func TestBuildHeaderValidation(t *testing.T) {
	t.Setenv("TKN", "x")

	t.Run("crlf rejected", func(t *testing.T) {
		_, err := Build(&BuildInput{
			Context:    "petshop",
			Spec:       testSpec(),
			Op:         getUserOp(),
			Params:     ParamValues{"id": {"1"}},
			RawHeaders: []string{"X-Bad: evil\r\nInjected: yes"},
		})
		if !errs.IsKind(err, errs.KindHeaders) {
			t.Errorf("expected Headers error, got %v", err)
		}
	})

	t.Run("bad name rejected", func(t *testing.T) {
		_, err := Build(&BuildInput{
			Context:    "petshop",
			Spec:       testSpec(),
			Op:         getUserOp(),
			Params:     ParamValues{"id": {"1"}},
			RawHeaders: []string{"Bad Name: v"},
		})
		if !errs.IsKind(err, errs.KindHeaders) {
			t.Errorf("expected Headers error, got %v", err)
		}
	})

	t.Run("env expansion in header value", func(t *testing.T) {
		t.Setenv("TRACE_ID", "t-1")
		br, err := Build(&BuildInput{
			Context:    "petshop",
			Spec:       testSpec(),
			Op:         getUserOp(),
			Params:     ParamValues{"id": {"1"}},
			RawHeaders: []string{"X-Trace-Id: ${TRACE_ID}"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := br.Headers.Get("X-Trace-Id"); got != "t-1" {
			t.Errorf("X-Trace-Id = %q", got)
		}
	})
}

func TestBuildBody(t *testing.T) {
	t.Run("env expansion then json validation", func(t *testing.T) {
		t.Setenv("USER_NAME", "A")
		br, err := Build(&BuildInput{
			Context: "petshop",
			Spec:    &spec.CachedSpec{},
			Op:      createUserOp(),
			Body:    `{"name":"${USER_NAME}"}`,
		})
		if err != nil {
			t.Fatal(err)
		}
		if string(br.Body) != `{"name":"A"}` {
			t.Errorf("body = %s", br.Body)
		}
		if got := br.Headers.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
	})

	t.Run("invalid json rejected", func(t *testing.T) {
		_, err := Build(&BuildInput{
			Context: "petshop",
			Spec:    &spec.CachedSpec{},
			Op:      createUserOp(),
			Body:    `{"name":`,
		})
		if !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("expected Validation error, got %v", err)
		}
	})

	t.Run("missing required body rejected", func(t *testing.T) {
		_, err := Build(&BuildInput{
			Context: "petshop",
			Spec:    &spec.CachedSpec{},
			Op:      createUserOp(),
		})
		if !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("expected Validation error, got %v", err)
		}
	})

	t.Run("unset env var in body rejected", func(t *testing.T) {
		_, err := Build(&BuildInput{
			Context: "petshop",
			Spec:    &spec.CachedSpec{},
			Op:      createUserOp(),
			Body:    `{"name":"${DEFINITELY_NOT_SET_ANYWHERE}"}`,
		})
		if !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("expected Validation error, got %v", err)
		}
	})
}

func TestBuildIdempotencyKey(t *testing.T) {
	t.Setenv("TKN", "x")
	br, err := Build(&BuildInput{
		Context:        "petshop",
		Spec:           testSpec(),
		Op:             getUserOp(),
		Params:         ParamValues{"id": {"1"}},
		IdempotencyKey: "op-123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := br.Headers.Get("Idempotency-Key"); got != "op-123" {
		t.Errorf("Idempotency-Key = %q", got)
	}
}

func TestBuildUserSecretBindingOverrides(t *testing.T) {
	t.Setenv("ALT_TOKEN", "alt")
	br, err := Build(&BuildInput{
		Context: "petshop",
		Spec:    testSpec(),
		Op:      getUserOp(),
		Params:  ParamValues{"id": {"1"}},
		SecretBindings: map[string]config.SecretBinding{
			"bearerAuth": {Source: "env", Name: "ALT_TOKEN"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := br.Headers.Get("Authorization"); got != "Bearer alt" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestDescribeRedactsAuth(t *testing.T) {
	t.Setenv("TKN", "secret123")
	br, err := Build(&BuildInput{
		Context: "petshop",
		Spec:    testSpec(),
		Op:      getUserOp(),
		Params:  ParamValues{"id": {"42"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	desc := Describe(br)
	headers := desc["headers"].(map[string]string)
	if headers["Authorization"] != "<redacted>" {
		t.Errorf("Authorization should be redacted, got %q", headers["Authorization"])
	}
	for _, v := range headers {
		if strings.Contains(v, "secret123") {
			t.Error("secret leaked into dry-run description")
		}
	}
	if desc["method"] != "GET" {
		t.Errorf("method = %v", desc["method"])
	}
}
