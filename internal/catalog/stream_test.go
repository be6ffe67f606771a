package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// fakePages serves a fixed chain of pages keyed by continuation token.
type fakePages struct {
	pages  map[string]domain.CatalogPage
	errAt  string // token whose fetch fails
	err    error
	tokens []string
}

func (f *fakePages) FetchPage(_ context.Context, _ string, token string) (domain.CatalogPage, error) {
	f.tokens = append(f.tokens, token)
	if f.err != nil && token == f.errAt {
		return domain.CatalogPage{}, f.err
	}
	return f.pages[token], nil
}

func entries(ids ...string) []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CatalogEntry{MeterID: id, EffectiveStartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	}
	return out
}

func threePages() *fakePages {
	return &fakePages{pages: map[string]domain.CatalogPage{
		"":   {Items: entries("a", "b"), NextPageLink: "p2"},
		"p2": {Items: entries("c", "d"), NextPageLink: "p3"},
		"p3": {Items: entries("e")},
	}}
}

func TestEntries_ConcatenatesPagesInOrder(t *testing.T) {
	f := threePages()
	var got string
	for e, err := range Entries(context.Background(), f, "USD", zerolog.Nop()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got += e.MeterID
	}
	if got != "abcde" {
		t.Fatalf("order = %q; want abcde", got)
	}
	if fmt.Sprint(f.tokens) != "[ p2 p3]" {
		t.Fatalf("tokens followed = %q", f.tokens)
	}
}

func TestEntries_ErrorEndsStreamWithoutRetractingYielded(t *testing.T) {
	f := threePages()
	f.errAt = "p2"
	f.err = &FetchError{Kind: Permanent, Err: errors.New("boom")}

	var ids []string
	var errs []error
	for e, err := range Entries(context.Background(), f, "USD", zerolog.Nop()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, e.MeterID)
	}
	if fmt.Sprint(ids) != "[a b]" {
		t.Fatalf("yielded before failure = %v; want [a b]", ids)
	}
	if len(errs) != 1 || !IsPermanent(errs[0]) {
		t.Fatalf("errors = %v; want exactly one Permanent", errs)
	}
	if len(f.tokens) != 2 {
		t.Fatalf("fetches = %d; the stream must stop at the failing page", len(f.tokens))
	}
}

func TestEntries_NotRestartable(t *testing.T) {
	seq := Entries(context.Background(), threePages(), "USD", zerolog.Nop())
	n := 0
	for range seq {
		n++
	}
	if n != 5 {
		t.Fatalf("first range yielded %d; want 5", n)
	}

	var second []error
	for _, err := range seq {
		second = append(second, err)
	}
	if len(second) != 1 || !errors.Is(second[0], ErrStreamConsumed) {
		t.Fatalf("second range = %v; want single ErrStreamConsumed", second)
	}
}

func TestEntries_EarlyBreakStopsFetching(t *testing.T) {
	f := threePages()
	for e := range Entries(context.Background(), f, "USD", zerolog.Nop()) {
		if e.MeterID == "a" {
			break
		}
	}
	if len(f.tokens) != 1 {
		t.Fatalf("fetched %d pages after break; want 1", len(f.tokens))
	}
}

func TestClientStream_OverHTTP(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("$skip") {
		case "":
			fmt.Fprintf(w, `{"Items":[{"meterId":"x1","effectiveStartDate":"2024-01-01T00:00:00Z"}],"NextPageLink":%q}`, srv.URL+"/?$skip=1")
		case "1":
			fmt.Fprint(w, `{"Items":[{"meterId":"x2","effectiveStartDate":"2024-01-01T00:00:00Z"}],"NextPageLink":null}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithHTTPClient(srv.Client()), WithLogger(zerolog.Nop()))
	var ids []string
	for e, err := range c.Stream(context.Background(), "USD") {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		ids = append(ids, e.MeterID)
	}
	if fmt.Sprint(ids) != "[x1 x2]" {
		t.Fatalf("ids = %v", ids)
	}
}
