package version

import (
	"runtime"
	"testing"
)

func TestFull(t *testing.T) {
	v, c := Version, Commit
	t.Cleanup(func() { Version, Commit = v, c })

	Version, Commit = "1.2.0", ""
	if got := Full(); got != "1.2.0" {
		t.Fatalf("Full = %q", got)
	}
	Commit = "abc123"
	if got := Full(); got != "1.2.0+abc123" {
		t.Fatalf("Full = %q", got)
	}
}

func TestGet(t *testing.T) {
	i := Get("qhist-server")
	if i.Service != "qhist-server" || i.Version != Version || i.Go != runtime.Version() {
		t.Fatalf("Get = %+v", i)
	}
}
