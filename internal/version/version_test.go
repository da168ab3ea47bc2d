package version

import (
	"runtime/debug"
	"testing"
)

func TestFromVCS(t *testing.T) {
	got := fromVCS([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-05-06T07:08:09Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if want := "v0.0.0-20240506070809-0123456789ab+dirty"; got != want {
		t.Fatalf("fromVCS = %q, want %q", got, want)
	}
	if fromVCS(nil) != "" {
		t.Fatalf("expected empty version without vcs settings")
	}
}

func TestCurrentNotEmpty(t *testing.T) {
	if Current() == "" || Module() == "" {
		t.Fatalf("version and module must not be empty")
	}
}
