package trends

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/haasonsaas/mcpmux/internal/mcp"
)

// fakeServer mimics the trends server's in-process state.
type fakeServer struct {
	mu          sync.Mutex
	initialized bool
	keywords    []string
	searched    bool
	calculated  bool
	noItemsFor  map[string]bool
	calls       []string
	args        []map[string]any
}

func newFakeServer() *fakeServer {
	return &fakeServer{initialized: true, noItemsFor: map[string]bool{}}
}

func (f *fakeServer) Call(ctx context.Context, server, tool string, args map[string]any) (mcp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tool)
	f.args = append(f.args, args)

	if tool == "yt_init" {
		f.initialized = true
		return mcp.Success(map[string]any{"ok": true}), nil
	}
	if !f.initialized {
		return mcp.Failure("YouTube no está inicializado. Ejecuta yt_init"), nil
	}

	switch tool {
	case "yt_list_regions":
		return mcp.Success(map[string]any{"regions": []any{"US", "GT"}}), nil
	case "yt_register_keywords":
		f.keywords = stringSlice(args["keywords"])
		return mcp.Success(map[string]any{"keywords": toAny(f.keywords)}), nil
	case "yt_search_recent":
		if len(f.keywords) == 0 {
			return mcp.Failure("no keywords registered"), nil
		}
		f.searched = true
		return mcp.Success(map[string]any{"results": len(f.keywords)}), nil
	case "yt_calc_trends":
		if !f.searched {
			return mcp.Failure("No hay datos: ejecuta yt_search_recent"), nil
		}
		f.calculated = true
		return mcp.Success(map[string]any{"limit": args["limit"]}), nil
	case "yt_trend_details":
		if !f.calculated {
			return mcp.Failure("No hay cálculo previo"), nil
		}
		kw, _ := args["keyword"].(string)
		if f.noItemsFor[kw] {
			delete(f.noItemsFor, kw)
			return mcp.Success(map[string]any{"keyword": kw, "items": []any{}}), nil
		}
		return mcp.Success(map[string]any{"keyword": kw, "items": []any{map[string]any{"title": "v1"}}}), nil
	case "yt_export_report":
		if !f.calculated {
			return mcp.Failure("No hay cálculo previo"), nil
		}
		return mcp.Success(map[string]any{"rows": 3}), nil
	}
	return mcp.Failuref("unknown tool %s", tool), nil
}

func (f *fakeServer) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeServer) argsOf(tool string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for i, name := range f.calls {
		if name == tool {
			out = append(out, f.args[i])
		}
	}
	return out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEnsureInitialized(t *testing.T) {
	srv := newFakeServer()
	srv.initialized = false
	c := New(srv, WithLogger(quiet()))

	res, err := c.EnsureInitialized(context.Background())
	if err != nil || !res.OK() {
		t.Fatalf("EnsureInitialized() = %v, %v", res, err)
	}
	want := []string{"yt_list_regions", "yt_init", "yt_list_regions"}
	if got := srv.history(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestCalcTrendsRecoversFromNoData(t *testing.T) {
	srv := newFakeServer()
	c := New(srv, WithLogger(quiet()))
	c.st.Keywords = []string{"golang", "mcp"}

	res, err := c.CalcTrends(context.Background(), 25)
	if err != nil || !res.OK() {
		t.Fatalf("CalcTrends() = %v, %v", res, err)
	}
	want := []string{"yt_calc_trends", "yt_register_keywords", "yt_search_recent", "yt_calc_trends"}
	if got := srv.history(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	search := srv.argsOf("yt_search_recent")[0]
	wantSearch := map[string]any{"days": 7, "per_keyword": 25, "order": "viewCount"}
	if !reflect.DeepEqual(search, wantSearch) {
		t.Errorf("search args = %v, want %v", search, wantSearch)
	}
	if c.State().LastCalcLimit != 25 {
		t.Errorf("LastCalcLimit = %d", c.State().LastCalcLimit)
	}
}

func TestCalcTrendsWithoutKeywordsFails(t *testing.T) {
	srv := newFakeServer()
	c := New(srv, WithLogger(quiet()))

	res, err := c.CalcTrends(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() {
		t.Fatalf("CalcTrends() succeeded without keywords: %v", res)
	}
	// Only the target and its single retry touch calc.
	if got := len(srv.argsOf("yt_calc_trends")); got != 2 {
		t.Errorf("calc calls = %d, want 2", got)
	}
}

func TestTrendDetailsRecoversFromNoCalculation(t *testing.T) {
	srv := newFakeServer()
	c := New(srv, WithLogger(quiet()))
	c.st.Keywords = []string{"golang"}

	res, err := c.TrendDetails(context.Background(), "  rust ", 30, "GT")
	if err != nil || !res.OK() {
		t.Fatalf("TrendDetails() = %v, %v", res, err)
	}
	want := []string{"yt_trend_details", "yt_register_keywords", "yt_search_recent", "yt_calc_trends", "yt_trend_details"}
	if got := srv.history(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if got := srv.argsOf("yt_register_keywords")[0]["keywords"]; !reflect.DeepEqual(got, []any{"golang", "rust"}) {
		t.Errorf("registered %v", got)
	}
	wantSearch := map[string]any{"days": 7, "per_keyword": 30, "order": "viewCount", "region": "GT"}
	if got := srv.argsOf("yt_search_recent")[0]; !reflect.DeepEqual(got, wantSearch) {
		t.Errorf("search args = %v, want %v", got, wantSearch)
	}
	if got := srv.argsOf("yt_calc_trends")[0]["limit"]; got != 30 {
		t.Errorf("calc limit = %v, want 30", got)
	}
}

func TestTrendDetailsEmptyItems(t *testing.T) {
	srv := newFakeServer()
	srv.keywords = []string{"go"}
	srv.searched, srv.calculated = true, true
	srv.noItemsFor["go"] = true
	c := New(srv, WithLogger(quiet()))

	res, err := c.TrendDetails(context.Background(), "go", 5, "")
	if err != nil || !res.OK() {
		t.Fatalf("TrendDetails() = %v, %v", res, err)
	}
	if got := srv.argsOf("yt_calc_trends")[0]["limit"]; got != 20 {
		t.Errorf("calc limit = %v, want 20", got)
	}
	items, _ := res.Get("items")
	if len(items.([]any)) != 1 {
		t.Errorf("items = %v", items)
	}
}

func TestExportReportReplaysLastSearch(t *testing.T) {
	srv := newFakeServer()
	c := New(srv, WithLogger(quiet()))
	c.st = State{
		Keywords:      []string{"go"},
		LastSearch:    &SearchParams{Days: 3, PerKeyword: 15, Order: "date", Region: "MX"},
		LastCalcLimit: 40,
	}

	res, err := c.ExportReport(context.Background(), "out/report.csv")
	if err != nil || !res.OK() {
		t.Fatalf("ExportReport() = %v, %v", res, err)
	}
	want := []string{"yt_export_report", "yt_register_keywords", "yt_search_recent", "yt_calc_trends", "yt_export_report"}
	if got := srv.history(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	wantSearch := map[string]any{"days": 3, "per_keyword": 15, "order": "date", "region": "MX"}
	if got := srv.argsOf("yt_search_recent")[0]; !reflect.DeepEqual(got, wantSearch) {
		t.Errorf("search args = %v, want %v", got, wantSearch)
	}
	if got := srv.argsOf("yt_calc_trends")[0]["limit"]; got != 40 {
		t.Errorf("calc limit = %v", got)
	}
	if got, _ := res.Get("path"); got != "out/report.csv" {
		t.Errorf("path = %v", got)
	}
}

func TestExportReportMinimalSearch(t *testing.T) {
	srv := newFakeServer()
	c := New(srv, WithLogger(quiet()))
	c.st.Keywords = []string{"go"}

	res, err := c.ExportReport(context.Background(), "")
	if err != nil || !res.OK() {
		t.Fatalf("ExportReport() = %v, %v", res, err)
	}
	wantSearch := map[string]any{"days": 7, "per_keyword": 10, "order": "viewCount"}
	if got := srv.argsOf("yt_search_recent")[0]; !reflect.DeepEqual(got, wantSearch) {
		t.Errorf("search args = %v", got)
	}
	if _, ok := res.Get("path"); ok {
		t.Errorf("unexpected path in %v", res)
	}
}

func TestStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "trends.json")
	srv := newFakeServer()
	c := New(srv, WithLogger(quiet()), WithStateFile(NewStateFile(path)))

	ctx := context.Background()
	if _, err := c.RegisterKeywords(ctx, []string{"go", "Go", " mcp "}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SearchRecent(ctx, SearchParams{Days: 2, PerKeyword: 5, Order: "date"}); err != nil {
		t.Fatal(err)
	}

	reloaded := New(srv, WithLogger(quiet()), WithStateFile(NewStateFile(path)))
	st := reloaded.State()
	if !reflect.DeepEqual(st.Keywords, []string{"go", "mcp"}) {
		t.Errorf("keywords = %v", st.Keywords)
	}
	if st.LastSearch == nil || st.LastSearch.Days != 2 || st.LastSearch.Order != "date" {
		t.Errorf("last search = %+v", st.LastSearch)
	}
}

func TestStateFileMissing(t *testing.T) {
	st, err := NewStateFile(filepath.Join(t.TempDir(), "none.json")).Load()
	if err != nil || len(st.Keywords) != 0 || st.LastSearch != nil {
		t.Fatalf("Load() = %+v, %v", st, err)
	}
}
