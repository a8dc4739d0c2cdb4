package cache

import (
	"testing"
	"time"
)

func TestCatalogStaleTime(t *testing.T) {
	catalog := DefaultCatalog()
	testCases := []struct {
		key  string
		want time.Duration
	}{
		{KeyFolders, 300 * time.Second},
		{KeyOverview, time.Minute},
		{CollectionKey("42"), 2 * time.Minute},
		{"unknown", DefaultStaleTime},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			if got := catalog.StaleTime(tc.key); got != tc.want {
				t.Fatalf("StaleTime(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestCatalogOverrides(t *testing.T) {
	base := DefaultCatalog()
	out, err := base.WithOverrides(map[string]time.Duration{KeyFolders: time.Second})
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if out.StaleTime(KeyFolders) != time.Second {
		t.Fatalf("override should apply")
	}
	if base.StaleTime(KeyFolders) != 300*time.Second {
		t.Fatalf("override must not mutate the source catalog")
	}
	if _, err := base.WithOverrides(map[string]time.Duration{"bogus": time.Second}); err == nil {
		t.Fatalf("unknown key override should fail")
	}
	if _, err := base.WithOverrides(map[string]time.Duration{KeyHome: 0}); err == nil {
		t.Fatalf("non-positive override should fail")
	}
}
