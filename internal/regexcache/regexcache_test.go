package regexcache

import "testing"

func TestCompilePatternCachesByHash(t *testing.T) {
	c := New(4, nil)
	h1, err := c.CompilePattern([]byte(`^[a-z]+\d*$`))
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	h2, err := c.CompilePattern([]byte(`^[a-z]+\d*$`))
	if err != nil {
		t.Fatalf("CompilePattern (repeat): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected same handle on repeat compile, got %d and %d", h1, h2)
	}
}

func TestMatchHandle(t *testing.T) {
	c := New(4, nil)
	h, err := c.CompilePattern([]byte(`^abc\d+$`))
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	ok, err := c.MatchHandle(h, []byte("abc123"))
	if err != nil {
		t.Fatalf("MatchHandle: %v", err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	ok, err = c.MatchHandle(h, []byte("xyz"))
	if err != nil {
		t.Fatalf("MatchHandle: %v", err)
	}
	if ok {
		t.Fatal("expected no match")
	}
}

func TestCompileInvalidPattern(t *testing.T) {
	c := New(4, nil)
	if _, err := c.CompilePattern([]byte(`(unclosed`)); err == nil {
		t.Fatal("expected compile error for invalid pattern")
	}
}

func TestFreeHandle(t *testing.T) {
	c := New(4, nil)
	h, _ := c.CompilePattern([]byte(`foo`))
	if err := c.FreeHandle(h); err != nil {
		t.Fatalf("FreeHandle: %v", err)
	}
	if _, err := c.MatchHandle(h, []byte("foo")); err == nil {
		t.Fatal("expected error matching freed handle")
	}
}
