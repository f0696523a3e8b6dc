// parse_test.go — Reply parsing: fences, quotes, commentary, rejects.
package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseSelectorPlain(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{".price-value", ".price-value"},
		{"#hero-title", "#hero-title"},
		{`[data-testid="variant-price"]`, `[data-testid="variant-price"]`},
		{"div.offer-card h3", "div.offer-card h3"},
		{"  .padded  ", ".padded"},
	}
	for _, c := range cases {
		got, err := ParseSelector(c.in)
		if err != nil {
			t.Errorf("ParseSelector(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSelector(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseSelectorStripsFencesAndQuotes(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"```css\n.price-value\n```", ".price-value"},
		{"```\n[data-testid=\"price\"]\n```", `[data-testid="price"]`},
		{`".price-value"`, ".price-value"},
		{"'.price-value'", ".price-value"},
		{"`" + ".price-value" + "`", ".price-value"},
		{"\"'.double-wrapped'\"", ".double-wrapped"},
	}
	for _, c := range cases {
		got, err := ParseSelector(c.in)
		if err != nil {
			t.Errorf("ParseSelector(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSelector(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseSelectorTakesFirstLineOnly(t *testing.T) {
	t.Parallel()

	got, err := ParseSelector(".price-value\nThis selector targets the price element.")
	if err != nil {
		t.Fatal(err)
	}
	if got != ".price-value" {
		t.Errorf("got %q", got)
	}
}

func TestParseSelectorRejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"   ",
		"```\n```",
		strings.Repeat(".a", 300), // over 500 chars
		"> quoted markdown",
		"// comment",
	}
	for _, c := range cases {
		if got, err := ParseSelector(c); err == nil {
			t.Errorf("ParseSelector(%q) = %q, want rejection", c, got)
		}
	}

	// The gate is syntactic only: word-initial prose parses and the candidate
	// is later rejected by failing to match the DOM.
	if _, err := ParseSelector("I cannot find that element."); err != nil {
		t.Error("word-initial strings pass the syntactic gate")
	}
}

func TestParseSelectorRejectsOverlong(t *testing.T) {
	t.Parallel()

	if _, err := ParseSelector("." + strings.Repeat("x", 600)); !errors.Is(err, ErrBadSelector) {
		t.Error("overlong selector must be rejected")
	}
}

// ============================================
// Throttle
// ============================================

func TestThrottleCapsPerTenant(t *testing.T) {
	t.Parallel()

	th := NewThrottle(2)
	var inFlight, maxSeen atomic.Int32

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			release, err := th.Acquire(context.Background(), "toyota-au", 0)
			if err != nil {
				t.Error(err)
				return
			}
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			release()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	if maxSeen.Load() > 2 {
		t.Errorf("max in-flight = %d, want <= 2", maxSeen.Load())
	}
}

func TestThrottleIsPerTenant(t *testing.T) {
	t.Parallel()

	th := NewThrottle(1)
	relA, err := th.Acquire(context.Background(), "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer relA()

	// A different tenant must not be blocked by a's slot.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	relB, err := th.Acquire(ctx, "b", 0)
	if err != nil {
		t.Fatalf("tenant b blocked by tenant a: %v", err)
	}
	relB()
}

func TestThrottleHonorsContext(t *testing.T) {
	t.Parallel()

	th := NewThrottle(1)
	rel, err := th.Acquire(context.Background(), "t", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx, "t", 0); err == nil {
		t.Error("Acquire must fail when the context expires while queued")
	}
}

func TestThrottleRosterLimitOverridesDefault(t *testing.T) {
	t.Parallel()

	// Default of 2, roster caps this tenant at 1: the second slot must wait.
	th := NewThrottle(2)
	rel, err := th.Acquire(context.Background(), "bmw-au", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx, "bmw-au", 1); err == nil {
		t.Error("second slot granted past the roster limit of 1")
	}

	// A tenant without an override still gets the default pair.
	rel1, err := th.Acquire(context.Background(), "kia-au", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rel1()
	rel2, err := th.Acquire(context.Background(), "kia-au", 0)
	if err != nil {
		t.Fatalf("default tenant blocked below its cap: %v", err)
	}
	rel2()
}

// ============================================
// Vision JSON extraction
// ============================================

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go: {\"a\":1}", `{"a":1}`},
		{"no json here", ""},
	}
	for _, c := range cases {
		if got := extractJSON(c.in); got != c.want {
			t.Errorf("extractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
