package normalize

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
)

const (
	defaultRegion = "US"
	defaultLang   = "es"
)

func registerGit(r *Registry) {
	r.Register("git", "git_set_working_dir", func(a map[string]any) map[string]any {
		if p, ok := a["path"].(string); ok {
			a["path"] = strings.TrimSpace(p)
		}
		return a
	})

	r.Register("git", "git_add", func(a map[string]any) map[string]any {
		if _, ok := a["paths"]; !ok {
			switch {
			case isString(a["path"]):
				a["paths"] = []any{a["path"]}
				delete(a, "path")
			case isString(a["file"]):
				a["paths"] = []any{a["file"]}
				delete(a, "file")
			case isList(a["files"]):
				a["paths"] = a["files"]
				delete(a, "files")
			}
		}
		if paths, ok := stringList(a["paths"], false); ok {
			a["paths"] = paths
		}
		return a
	})

	r.Register("git", "git_commit", func(a map[string]any) map[string]any {
		if msg, ok := a["message"]; ok {
			a["message"] = stringify(msg)
		}
		return a
	})

	remote := func(a map[string]any) map[string]any {
		if _, ok := a["mode"]; !ok {
			if _, hasURL := a["url"]; hasURL {
				a["mode"] = "add"
			} else {
				a["mode"] = "list"
			}
		}
		rename(a, "remote_name", "name")
		return a
	}
	r.Register("git", "git_remote", remote)
	r.Register("git", "git_remote_add", remote)

	r.Register("git", "git_push", func(a map[string]any) map[string]any {
		rename(a, "remote_name", "remote")
		setDefault(a, "branch", "main")
		setDefault(a, "set_upstream", true)
		return a
	})
}

var fsPathKeys = []string{"path", "source", "destination", "dest", "from", "to"}

func registerFS(r *Registry) {
	clean := func(a map[string]any) map[string]any {
		for _, key := range fsPathKeys {
			if p, ok := a[key].(string); ok {
				a[key] = slashClean(p)
			}
		}
		return a
	}

	transfer := func(a map[string]any) map[string]any {
		a = clean(a)
		alias(a, "destination", "dest")
		alias(a, "to", "dest")
		alias(a, "from", "source")
		return a
	}

	r.Register("fs", AnyTool, clean)
	r.Register("fs", "move_file", transfer)
	r.Register("fs", "copy_file", transfer)
	r.Register("fs", "list_directory", func(a map[string]any) map[string]any {
		a = clean(a)
		if p, ok := a["path"].(string); ok && len(p) > 1 {
			a["path"] = strings.TrimRight(p, "/")
		}
		return a
	})

	// Some servers register as "filesystem" rather than "fs".
	r.mu.Lock()
	r.families["filesystem"] = r.families["fs"]
	r.mu.Unlock()
}

func registerGram(r *Registry) {
	lang := func(a map[string]any) map[string]any {
		a["lang"] = canonicalLang(a["lang"])
		return a
	}
	for _, tool := range []string{"gram_fix", "gram_check", "gram_fix_file"} {
		r.Register("gram", tool, lang)
	}
}

func registerYT(r *Registry) {
	empty := func(map[string]any) map[string]any { return map[string]any{} }
	r.Register("yt", "yt_init", empty)
	r.Register("yt", "yt_list_regions", empty)

	r.Register("yt", "yt_list_categories", func(a map[string]any) map[string]any {
		a["region"] = canonicalRegion(a["region"])
		return a
	})

	r.Register("yt", "yt_fetch_most_popular", func(a map[string]any) map[string]any {
		a["region"] = canonicalRegion(a["region"])
		clampInt(a, "limit", 10, 1, 50)
		return a
	})

	r.Register("yt", "yt_register_keywords", func(a map[string]any) map[string]any {
		keywords, ok := stringList(a["keywords"], true)
		if !ok {
			keywords = []string{}
		}
		a["keywords"] = keywords
		return a
	})

	r.Register("yt", "yt_search_recent", func(a map[string]any) map[string]any {
		clampInt(a, "days", 7, 1, 90)
		clampInt(a, "per_keyword", 10, 1, 50)
		if order, _ := a["order"].(string); order != "viewCount" && order != "date" {
			a["order"] = "viewCount"
		}
		if truthy(a["region"]) {
			a["region"] = canonicalRegion(a["region"])
		}
		return a
	})

	r.Register("yt", "yt_calc_trends", func(a map[string]any) map[string]any {
		clampInt(a, "limit", 10, 1, 50)
		return a
	})

	r.Register("yt", "yt_trend_details", func(a map[string]any) map[string]any {
		a["keyword"] = strings.TrimSpace(stringify(a["keyword"]))
		clampInt(a, "top", 10, 1, 50)
		return a
	})

	r.Register("yt", "yt_export_report", func(a map[string]any) map[string]any {
		if truthy(a["path"]) {
			a["path"] = filepath.Clean(stringify(a["path"]))
		}
		return a
	})
}

// canonicalRegion returns an uppercase ISO 3166 code, "US" when empty.
func canonicalRegion(v any) string {
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return defaultRegion
	}
	if region, err := language.ParseRegion(s); err == nil {
		return region.String()
	}
	return strings.ToUpper(s)
}

// canonicalLang reduces a language tag to its lowercase base, "es" when empty.
func canonicalLang(v any) string {
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return defaultLang
	}
	if tag, err := language.Parse(s); err == nil {
		if base, conf := tag.Base(); conf != language.No {
			return base.String()
		}
	}
	return strings.ToLower(s)
}

func slashClean(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

func alias(a map[string]any, from, to string) {
	if _, ok := a[to]; ok {
		return
	}
	if v, ok := a[from]; ok {
		a[to] = v
	}
}

// rename moves from to to when to is absent.
func rename(a map[string]any, from, to string) {
	if _, ok := a[to]; ok {
		return
	}
	if v, ok := a[from]; ok {
		a[to] = v
		delete(a, from)
	}
}

func setDefault(a map[string]any, key string, value any) {
	if _, ok := a[key]; !ok {
		a[key] = value
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if n, ok := toInt(v); ok {
		return n != 0
	}
	return true
}
