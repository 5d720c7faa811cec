package main

import (
	"bytes"
	"strings"
	"testing"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	testConfigPath(t, `"slab": {"debug": "U,kmalloc-128"},`)
	sys, err := openSystem()
	if err != nil {
		t.Fatalf("openSystem() failed: %v", err)
	}
	var out bytes.Buffer
	sh := &shell{sys: sys, out: &out}
	t.Cleanup(func() {
		if err := sh.release(); err != nil {
			t.Errorf("release: %v", err)
		}
		if err := sys.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return sh, &out
}

func run(t *testing.T, sh *shell, out *bytes.Buffer, input string) string {
	t.Helper()
	out.Reset()
	if _, err := sh.exec(input); err != nil {
		t.Fatalf("exec(%q) failed: %v", input, err)
	}
	return out.String()
}

func TestShell_MallocInspectFree(t *testing.T) {
	sh, out := newTestShell(t)

	got := run(t, sh, out, "malloc 100")
	addr, _, ok := strings.Cut(got, " ")
	if !ok || !strings.HasPrefix(addr, "0x") {
		t.Fatalf("malloc output = %q", got)
	}
	assertContains(t, got, []string{"(128 bytes usable)"})

	if got := run(t, sh, out, "ksize "+addr); got != "128\n" {
		t.Errorf("ksize = %q, want 128", got)
	}

	got = run(t, sh, out, "dump "+addr)
	assertContains(t, got, []string{"Cache: kmalloc-128", "Allocated: true", "Allocated by:"})

	run(t, sh, out, "free "+addr)
	if len(sh.live) != 0 {
		t.Errorf("live = %v after free", sh.live)
	}

	got = run(t, sh, out, "dump "+addr)
	assertContains(t, got, []string{"Allocated: false", "Freed by:"})
}

func TestShell_Reports(t *testing.T) {
	sh, out := newTestShell(t)

	run(t, sh, out, "malloc 2k ZERO")
	assertContains(t, run(t, sh, out, "slabinfo"), []string{"slabinfo - version: 2.1", "kmalloc-2k", "Caches:"})
	if got := run(t, sh, out, "validate"); got != "ok\n" {
		t.Errorf("validate = %q", got)
	}
	assertContains(t, run(t, sh, out, "shrink"), []string{"released"})
	assertContains(t, run(t, sh, out, "help"), []string{"malloc", "quit"})
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newTestShell(t)

	for _, input := range []string{
		"bogus",
		"malloc",
		"malloc 64 SPICY",
		"malloc 8M",
		"free",
		"free nope",
		"dump 0x10",
	} {
		if _, err := sh.exec(input); err == nil {
			t.Errorf("exec(%q) succeeded, want error", input)
		}
	}

	quit, err := sh.exec("quit")
	if err != nil || !quit {
		t.Errorf("quit = %v, %v", quit, err)
	}
}

func TestShell_ReleaseFreesEverything(t *testing.T) {
	sh, out := newTestShell(t)
	for range 10 {
		run(t, sh, out, "malloc 48")
	}
	if err := sh.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	for _, ci := range sh.sys.Caches() {
		if ci.ActiveObjs != 0 {
			t.Errorf("%s still has %d objects", ci.Name, ci.ActiveObjs)
		}
	}
}
