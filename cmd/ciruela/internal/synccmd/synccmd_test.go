package synccmd

import (
	"bytes"
	"testing"
)

func TestRunRejectsNoOperations(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run(nil, []string{"cluster-a"}, &stderr, &stdout)
	if code != 1 {
		t.Fatalf("expected exit 1 when no --append/--replace given, got %d", code)
	}
}

func TestRunRejectsNoEntryPoints(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run(nil, []string{"--append", "src:dst"}, &stderr, &stdout)
	if code != 1 {
		t.Fatalf("expected exit 1 when no cluster entry points given, got %d", code)
	}
}

func TestPlacementFlagRejectsMissingColon(t *testing.T) {
	var values []rawPlacement
	f := &placementFlag{replace: false, values: &values}
	if err := f.Set("no-colon-here"); err == nil {
		t.Fatal("expected an error for a value without SOURCE:DEST shape")
	}
}

func TestPlacementFlagAccumulates(t *testing.T) {
	var values []rawPlacement
	f := &placementFlag{replace: true, values: &values}
	if err := f.Set("src:dst"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(values) != 1 || !values[0].replace || values[0].source != "src" || values[0].dest != "dst" {
		t.Fatalf("unexpected accumulated value: %+v", values)
	}
}
