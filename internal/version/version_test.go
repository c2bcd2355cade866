package version

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateRoundTrips(t *testing.T) {
	tenantID := uuid.NewString()
	pageID := uuid.NewString()

	before := time.Now().UTC().Add(-time.Second)
	raw := Generate(tenantID, pageID)
	after := time.Now().UTC().Add(time.Second)

	parsed, ok := Parse(raw)
	if !ok {
		t.Fatalf("Parse rejected generated version %q", raw)
	}
	if parsed.TenantID != tenantID {
		t.Fatalf("tenant mismatch: got %q want %q", parsed.TenantID, tenantID)
	}
	if parsed.PageID != pageID {
		t.Fatalf("page mismatch: got %q want %q", parsed.PageID, pageID)
	}
	if parsed.Timestamp.Before(before) || parsed.Timestamp.After(after) {
		t.Fatalf("timestamp %v outside [%v, %v]", parsed.Timestamp, before, after)
	}
	if len(parsed.Hash) != hashLength {
		t.Fatalf("unexpected hash %q", parsed.Hash)
	}
}

func TestGenerateConcurrentUniqueness(t *testing.T) {
	const n = 200
	tenantID := uuid.NewString()
	pageID := uuid.NewString()

	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- Generate(tenantID, pageID)
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]struct{}, n)
	for v := range results {
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate version generated: %q", v)
		}
		seen[v] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct versions, got %d", n, len(seen))
	}
}

func TestVersionsSortChronologically(t *testing.T) {
	tenantID := uuid.NewString()
	pageID := uuid.NewString()

	first := Generate(tenantID, pageID)
	time.Sleep(5 * time.Millisecond)
	second := Generate(tenantID, pageID)

	if !(first < second) {
		t.Fatalf("expected %q to sort before %q", first, second)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"v",
		"not-a-version",
		"v123_tenant_page_abcd1234", // short timestamp
		"v0000000000000123_tenant_page", // missing hash
		"v0000000000000123__page_abcd1234", // empty tenant
		"v0000000000000123_tenant__abcd1234", // empty page
		"v0000000000000123_tenant_page_ZZZZZZZZ", // non-hex hash
		"v0000000000000123_tenant_page_abc", // short hash
		"00000000000000123_tenant_page_abcd1234", // missing prefix
		"vaaaaaaaaaaaaaaaa_tenant_page_abcd1234", // non-numeric timestamp
		strings.Repeat("_", 10), // delimiter soup
		"v0000000000000123" + strings.Repeat("_", 3), // empty fields
	}
	for _, raw := range cases {
		if _, ok := Parse(raw); ok {
			t.Fatalf("Parse accepted malformed input %q", raw)
		}
	}
}
