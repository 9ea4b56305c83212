package versionutil

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	describe := func(out string, err error) func() (string, error) {
		return func() (string, error) { return out, err }
	}
	cases := []struct {
		name     string
		build    string
		describe func() (string, error)
		want     string
	}{
		{name: "stamped", build: "1.4.0", want: "v1.4.0"},
		{name: "stamped with prefix", build: "v1.4.0", want: "v1.4.0"},
		{name: "dev with describe", build: "dev", describe: describe("v1.3.0-4-gabc123\n", nil), want: "v1.3.0-4-gabc123-dev"},
		{name: "dev bare hash", build: "dev", describe: describe("abc123", nil), want: "vabc123-dev"},
		{name: "dev without git", build: "dev", describe: describe("", errors.New("not a repo")), want: "dev"},
		{name: "dev nil describe", build: "dev", want: "dev"},
		{name: "empty", build: "", want: "dev"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Resolve(tc.build, tc.describe); got != tc.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tc.build, got, tc.want)
			}
		})
	}
}
