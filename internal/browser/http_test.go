package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPDriverFetchesDocument(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><span class="price">$1,299.99</span></body></html>`))
	}))
	defer srv.Close()

	m := NewManager(&HTTPLauncher{})
	defer m.Close()

	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p, err := m.NewPage(context.Background(), s)
	if err != nil {
		t.Fatalf("new page: %v", err)
	}
	defer p.Close()

	if _, err := p.Document(context.Background()); !errors.Is(err, ErrNotNavigated) {
		t.Fatalf("document before navigate err=%v", err)
	}
	if err := p.Navigate(context.Background(), srv.URL+"/gpu"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	doc, err := p.Document(context.Background())
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got := strings.TrimSpace(doc.Find(".price").Text()); got != "$1,299.99" {
		t.Fatalf("price text=%q", got)
	}
	if gotUA != DefaultUserAgent {
		t.Fatalf("user agent=%q", gotUA)
	}

	if err := p.Navigate(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestHTTPBrowserCloseIsDisconnect(t *testing.T) {
	b, err := (&HTTPLauncher{}).Launch(context.Background())
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	_ = b.Close()
	_ = b.Close()
	select {
	case <-b.Done():
	default:
		t.Fatalf("done not closed")
	}
	if _, err := b.NewPage(context.Background(), PageOptions{}); !errors.Is(err, ErrSessionLost) {
		t.Fatalf("new page after close err=%v", err)
	}
}

func TestBlockPatterns(t *testing.T) {
	got := blockPatterns([]string{"image", "Font", "image", " "})
	if len(got) != 2 {
		t.Fatalf("patterns=%d want 2", len(got))
	}
	if string(got[0].ResourceType) != "Image" || string(got[1].ResourceType) != "Font" {
		t.Fatalf("types=%s,%s", got[0].ResourceType, got[1].ResourceType)
	}
}
