package main

import (
	"encoding/json"
	"testing"
)

func resetStressFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		stressGoroutines, stressOps, stressSeed = 4, 10000, 1
		stressMaxSize = sizeFlag{size: 4096}
		stressGFP = gfpFlag{}
	})
}

func TestStressCommand(t *testing.T) {
	testConfigPath(t, "")
	resetStressFlags(t)
	stressGoroutines, stressOps = 3, 300

	output, err := captureOutput(t, func() error {
		return runStress(nil)
	})
	if err != nil {
		t.Fatalf("runStress() failed: %v", err)
	}
	assertContains(t, output, []string{"Stress Results:", "Workers: 3 x 300 ops", "Object patterns intact"})
}

func TestStressCommand_JSON(t *testing.T) {
	testConfigPath(t, `"slab": {"debug": "FZP"},`)
	resetStressFlags(t)
	jsonOut = true
	stressGoroutines, stressOps = 2, 200
	stressMaxSize = sizeFlag{size: 16 << 10}
	if err := stressGFP.Set("ZERO"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	output, err := captureOutput(t, func() error {
		return runStress(nil)
	})
	if err != nil {
		t.Fatalf("runStress() failed: %v", err)
	}
	assertJSON(t, output)

	var res stressResult
	if err := json.Unmarshal([]byte(output), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Allocs == 0 || res.Allocs != res.Frees {
		t.Errorf("allocs = %d, frees = %d", res.Allocs, res.Frees)
	}
	if res.Peak.ActiveObjs == 0 {
		t.Errorf("peak sample saw no active objects")
	}
}

func TestStressCommand_BadGoroutines(t *testing.T) {
	testConfigPath(t, "")
	resetStressFlags(t)
	stressGoroutines = 0

	if err := runStress(nil); err == nil {
		t.Fatal("expected error for zero goroutines")
	}
}
