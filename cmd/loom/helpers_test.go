package main

import (
	"reflect"
	"testing"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"offset=30", "language=en", "verbose=true"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	want := map[string]any{
		"offset":   float64(30),
		"language": "en",
		"verbose":  true,
	}
	if !reflect.DeepEqual(params, want) {
		t.Fatalf("parseParams = %#v, want %#v", params, want)
	}
}

func TestParseParamsRejectsMalformedPairs(t *testing.T) {
	for _, pair := range []string{"offset", "=30", ""} {
		if _, err := parseParams([]string{pair}); err == nil {
			t.Errorf("parseParams(%q) expected error", pair)
		}
	}
}

func TestParseParamsEmpty(t *testing.T) {
	params, err := parseParams(nil)
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params != nil {
		t.Fatalf("expected nil map, got %#v", params)
	}
}

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Daemon", statusOK, "yes", false)
	if line != "  Daemon:              [OK] yes" {
		t.Fatalf("unexpected status line: %q", line)
	}
}
