package config

import "testing"

func TestValidateContextName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "petshop", false},
		{"with dash", "pet-shop", false},
		{"with underscore", "pet_shop", false},
		{"with dot", "pet.shop", false},
		{"alphanumeric", "api2", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"dotdot", "a..b", true},
		{"leading dot", ".hidden", true},
		{"traversal", "../etc", true},
		{"space", "a b", true},
		{"colon", "a:b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContextName(tt.input)
			if tt.wantErr && err == nil {
				t.Errorf("expected rejection of %q", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for %q: %v", tt.input, err)
			}
		})
	}
}
