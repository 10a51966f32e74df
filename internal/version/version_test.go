package version

import "testing"

func TestPseudoVersion(t *testing.T) {
	cases := []struct {
		rev, at  string
		modified bool
		want     string
	}{
		{rev: "", at: "", want: "v0.0.0-unknown"},
		{rev: "abc", at: "not-a-time", want: "v0.0.0-unknown"},
		{rev: "0123456789abcdef", at: "2026-03-02T09:30:00Z", want: "v0.0.0-20260302093000-0123456789ab"},
		{rev: "0123456789abcdef", at: "2026-03-02T09:30:00Z", modified: true, want: "v0.0.0-20260302093000-0123456789ab+dirty"},
	}
	for _, tc := range cases {
		if got := pseudoVersion(tc.rev, tc.at, tc.modified); got != tc.want {
			t.Fatalf("pseudoVersion(%q, %q, %v) = %q, want %q", tc.rev, tc.at, tc.modified, got, tc.want)
		}
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected override, got %q", got)
	}
	if Get().GoVersion == "" {
		t.Fatalf("expected go version")
	}
}
