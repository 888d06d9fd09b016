package domainutil

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"Example.COM.", "example.com", false},
		{"  www.example.com ", "www.example.com", false},
		{"*.Example.com", "*.example.com", false},
		{"bücher.example", "xn--bcher-kva.example", false},
		{"", "", true},
		{"192.168.1.1", "", true},
		{"[::1]", "", true},
		{"a.*.example.com", "", true},
		{"localhost", "", true},
		{"-bad.example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v; wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEffectiveApex(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"www.example.com", "example.com"},
		{"a.b.example.co.uk", "example.co.uk"},
		{"*.example.com", "example.com"},
		{"example.com", "example.com"},
	}

	for _, tt := range tests {
		got, err := EffectiveApex(tt.input)
		if err != nil {
			t.Fatalf("EffectiveApex(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("EffectiveApex(%q) = %q; want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeDNSNames(t *testing.T) {
	got, err := NormalizeDNSNames([]string{"Example.com", "*.example.com", "example.com."})
	if err != nil {
		t.Fatalf("NormalizeDNSNames() error = %v", err)
	}
	want := []string{"example.com", "*.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeDNSNames() = %v; want %v", got, want)
	}

	if _, err := NormalizeDNSNames(nil); err == nil {
		t.Error("NormalizeDNSNames(nil) should fail")
	}
	if _, err := NormalizeDNSNames([]string{"co.uk"}); err == nil {
		t.Error("NormalizeDNSNames([co.uk]) should fail for a public suffix")
	}
}
