package spec

import (
	"context"
	"testing"

	"github.com/aperture-cli/aperture/pkg/errs"
)

func TestParseVersionGate(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{
			name:    "3.0 accepted",
			src:     "openapi: 3.0.3\ninfo: {title: T, version: '1'}\npaths: {}\n",
			wantErr: false,
		},
		{
			name:    "3.1 rejected without the feature flag",
			src:     "openapi: 3.1.0\ninfo: {title: T, version: '1'}\npaths: {}\n",
			wantErr: !allow31,
		},
		{
			name:    "swagger 2.0 rejected",
			src:     "swagger: '2.0'\ninfo: {title: T, version: '1'}\npaths: {}\n",
			wantErr: true,
		},
		{
			name:    "missing version rejected",
			src:     "info: {title: T, version: '1'}\npaths: {}\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(context.Background(), []byte(tt.src))
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !errs.IsKind(err, errs.KindSpecification) {
				t.Errorf("expected Specification error, got %v", err)
			}
		})
	}
}

func TestParseJSONInput(t *testing.T) {
	src := `{"openapi":"3.0.0","info":{"title":"T","version":"1"},"paths":{}}`
	doc, err := Parse(context.Background(), []byte(src))
	if err != nil {
		t.Fatalf("Parse failed on JSON input: %v", err)
	}
	if doc.Info.Title != "T" {
		t.Errorf("unexpected title %q", doc.Info.Title)
	}
}
