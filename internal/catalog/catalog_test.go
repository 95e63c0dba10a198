package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/attache-ai/attache/internal/crm"
	"github.com/attache-ai/attache/internal/store"
)

// fakeSource records discovery calls and returns canned tools or an error.
type fakeSource struct {
	calls int
	tools []crm.Tool
	err   error
}

func (f *fakeSource) ListTools(ctx context.Context, credential string) ([]crm.Tool, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tools, nil
}

func newTestCache(t *testing.T, src Source) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(src, st, nil), st
}

func TestTools_FetchesOnMissThenCaches(t *testing.T) {
	src := &fakeSource{tools: []crm.Tool{{Name: "searchContacts"}}}
	c, _ := newTestCache(t, src)

	got, err := c.Tools(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "searchContacts" {
		t.Fatalf("Tools() = %+v, want searchContacts", got)
	}
	if src.calls != 1 {
		t.Fatalf("discovery calls = %d, want 1", src.calls)
	}

	// Second call is served from the cache.
	if _, err := c.Tools(context.Background(), "tok"); err != nil {
		t.Fatalf("Tools() second call error = %v", err)
	}
	if src.calls != 1 {
		t.Errorf("discovery calls after cached read = %d, want 1", src.calls)
	}
}

func TestTools_ClassesAreIndependent(t *testing.T) {
	src := &fakeSource{tools: []crm.Tool{{Name: "initAuth"}}}
	c, _ := newTestCache(t, src)

	c.Tools(context.Background(), "")
	c.Tools(context.Background(), "tok")

	if src.calls != 2 {
		t.Errorf("discovery calls = %d, want one per authentication class", src.calls)
	}

	// Both classes now cached.
	c.Tools(context.Background(), "")
	c.Tools(context.Background(), "other-tok")
	if src.calls != 2 {
		t.Errorf("discovery calls after warm cache = %d, want 2", src.calls)
	}
}

func TestTools_DiscoveryErrorCachesNothing(t *testing.T) {
	src := &fakeSource{err: &crm.DiscoveryError{Err: context.DeadlineExceeded}}
	c, _ := newTestCache(t, src)

	if _, err := c.Tools(context.Background(), ""); err == nil {
		t.Fatal("Tools() error = nil, want discovery error")
	}

	// The failure must not have been cached: the next call retries.
	src.err = nil
	src.tools = []crm.Tool{{Name: "initAuth"}}
	got, err := c.Tools(context.Background(), "")
	if err != nil {
		t.Fatalf("Tools() after recovery error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Tools() after recovery = %+v, want one tool", got)
	}
	if src.calls != 2 {
		t.Errorf("discovery calls = %d, want 2 (failure not cached)", src.calls)
	}
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{tools: []crm.Tool{{Name: "createDeal"}}}
	c, _ := newTestCache(t, src)

	c.Tools(context.Background(), "tok")
	if err := c.Invalidate(); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	c.Tools(context.Background(), "tok")
	if src.calls != 2 {
		t.Errorf("discovery calls = %d, want rediscovery after Invalidate()", src.calls)
	}
}
