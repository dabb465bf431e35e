package utils

import "testing"

func TestNormalizeBatchCode(t *testing.T) {
	cases := []struct {
		name string
		in   *string
		want *string
	}{
		{"nil stays nil", nil, nil},
		{"empty string", sp(""), nil},
		{"whitespace only", sp("   "), nil},
		{"legacy none sentinel", sp("None"), nil},
		{"legacy null sentinel", sp("NULL"), nil},
		{"real code kept", sp("B-2026-01"), sp("B-2026-01")},
		{"real code trimmed", sp("  B1 "), sp("B1")},
	}
	for _, tc := range cases {
		got := NormalizeBatchCode(tc.in)
		switch {
		case tc.want == nil && got != nil:
			t.Fatalf("%s: want nil got %q", tc.name, *got)
		case tc.want != nil && got == nil:
			t.Fatalf("%s: want %q got nil", tc.name, *tc.want)
		case tc.want != nil && *got != *tc.want:
			t.Fatalf("%s: want %q got %q", tc.name, *tc.want, *got)
		}
	}
}

func sp(s string) *string { return &s }
