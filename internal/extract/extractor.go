// Package extract turns a matched source file into an index record.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

// DefaultBaseTypes are the plugin framework base classes recognized by the
// class-declaration fallback.
var DefaultBaseTypes = []string{"RustPlugin", "CovalencePlugin"}

const quoted = `"((?:[^"\\]|\\.)*)"`

// infoPattern matches Info("Name", "Author", ...) with escaped quotes allowed
// inside either literal.
var infoPattern = regexp.MustCompile(`\bInfo\s*\(\s*` + quoted + `\s*,\s*` + quoted)

// classPattern captures a class name and its base list up to the body.
var classPattern = regexp.MustCompile(`\bclass\s+@?([A-Za-z_][A-Za-z0-9_]*)\s*(?:<[^>{]*>)?\s*:\s*([^{;]*)`)

// Config controls extraction.
type Config struct {
	Language  string
	BaseTypes []string
}

// Metadata is what a file declares about itself.
type Metadata struct {
	Name   string
	Author *string
}

// Extractor parses plugin metadata.
type Extractor struct {
	language string
	bases    map[string]struct{}
	clock    crawler.Clock
}

// New builds an Extractor.
func New(cfg Config, clock crawler.Clock) *Extractor {
	bases := cfg.BaseTypes
	if len(bases) == 0 {
		bases = DefaultBaseTypes
	}
	set := make(map[string]struct{}, len(bases))
	for _, b := range bases {
		set[strings.TrimSpace(b)] = struct{}{}
	}
	language := cfg.Language
	if language == "" {
		language = "C#"
	}
	return &Extractor{language: language, bases: set, clock: clock}
}

// Parse reads the declared name and author. The Info attribute wins; the
// first class deriving from a framework base type is the fallback and
// carries no author. ok is false when neither is present.
func (e *Extractor) Parse(content []byte) (Metadata, bool) {
	src := string(content)
	if m := infoPattern.FindStringSubmatch(src); m != nil {
		name := unescape(m[1])
		if strings.TrimSpace(name) != "" {
			return Metadata{Name: name, Author: crawler.StringPtr(unescape(m[2]))}, true
		}
	}
	for _, m := range classPattern.FindAllStringSubmatch(src, -1) {
		if e.derivesFromFramework(m[2]) {
			return Metadata{Name: m[1]}, true
		}
	}
	return Metadata{}, false
}

func (e *Extractor) derivesFromFramework(baseList string) bool {
	if i := strings.Index(baseList, "where "); i >= 0 {
		baseList = baseList[:i]
	}
	for _, base := range strings.Split(baseList, ",") {
		base = strings.TrimSpace(base)
		if i := strings.IndexByte(base, '<'); i >= 0 {
			base = base[:i]
		}
		if i := strings.LastIndexByte(base, '.'); i >= 0 {
			base = base[i+1:]
		}
		if _, ok := e.bases[base]; ok {
			return true
		}
	}
	return false
}

// Extract builds an IndexedItem from a search hit and its content. The
// repository block is the hit's; callers replace it with full metadata.
func (e *Extractor) Extract(content []byte, hit crawler.CodeHit) (crawler.IndexedItem, bool) {
	meta, ok := e.Parse(content)
	if !ok {
		return crawler.IndexedItem{}, false
	}
	return crawler.IndexedItem{
		PluginName:   meta.Name,
		PluginAuthor: meta.Author,
		Language:     e.language,
		File: crawler.FileInfo{
			Path:    hit.Path,
			HTMLURL: hit.HTMLURL,
			RawURL:  RawURL(hit.HTMLURL),
			SHA:     hit.SHA,
			Size:    int64(len(content)),
		},
		Repository: hit.Repository,
		IndexedAt:  e.now(),
	}, true
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

// RawURL maps a blob page URL onto the raw content host.
func RawURL(htmlURL string) string {
	const web = "https://github.com/"
	if !strings.HasPrefix(htmlURL, web) {
		return htmlURL
	}
	rest := strings.TrimPrefix(htmlURL, web)
	rest = strings.Replace(rest, "/blob/", "/", 1)
	return "https://raw.githubusercontent.com/" + rest
}

// BlobURL builds a blob page URL for a file at ref.
func BlobURL(repoURL, ref, path string) string {
	return fmt.Sprintf("%s/blob/%s/%s", strings.TrimRight(repoURL, "/"), ref, strings.TrimLeft(path, "/"))
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if out, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return out
	}
	return strings.ReplaceAll(s, `\"`, `"`)
}
