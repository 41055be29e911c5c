package rewrite

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/inkdust2021/passage/internal/canon"
)

var (
	// A start tag that carries at least one attribute.
	tagRe = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9-]*)\s[^>]*>`)

	attrRe   = regexp.MustCompile(`(?i)(\s(?:href|src|action|formaction|poster)\s*=\s*)("[^"]*"|'[^']*'|[^\s"'>]+)`)
	srcsetRe = regexp.MustCompile(`(?i)(\s(?:srcset|imagesrcset)\s*=\s*)("[^"]*"|'[^']*')`)

	httpEquivRefreshRe = regexp.MustCompile(`(?i)\shttp-equiv\s*=\s*["']?refresh\b`)
	refreshRe          = regexp.MustCompile(`(?i)(\d+\s*[;,]\s*url\s*=\s*)(['"]?)([^'">]+)`)

	baseHrefRe = regexp.MustCompile(`(?i)<base\s[^>]*\bhref\s*=\s*("[^"]*"|'[^']*'|[^\s"'>]+)`)

	scriptRe      = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script\s*>)`)
	nonJSScriptRe = regexp.MustCompile(`(?i)\btype\s*=\s*["']?(?:application/(?:ld\+)?json|importmap|text/template|text/x-template)`)
	jsLocationRe  = regexp.MustCompile(`((?:\bwindow\.location(?:\.href)?|\blocation\.href)\s*=\s*)("[^"\\\n]*"|'[^'\\\n]*')`)
	jsCallRe      = regexp.MustCompile(`(\b(?:fetch|open)\s*\(\s*)("[^"\\\n]*"|'[^'\\\n]*')`)
	headCloseRe   = regexp.MustCompile(`(?i)</head\s*>`)
	bodyOpenRe    = regexp.MustCompile(`(?i)<body\b[^>]*>`)
)

// Regex is the textual Rewriter. It does not parse HTML; it matches tags, attributes
// and a few script idioms with regular expressions and leaves everything else intact.
type Regex struct {
	proxifier canon.Proxifier
}

// NewRegex returns a Regex rewriter that wraps URLs with p.
func NewRegex(p canon.Proxifier) *Regex {
	return &Regex{proxifier: p}
}

// Rewrite implements Rewriter.
func (r *Regex) Rewrite(doc []byte, ctx *Context) []byte {
	s := string(doc)
	base := ctx.Base
	if base == nil {
		base = EffectiveBase(s, ctx.Target)
	}

	s = replaceAllSubmatch(tagRe, s, func(g []string) string {
		return r.rewriteTag(g[0], strings.ToLower(g[1]), base)
	})
	s = replaceAllSubmatch(scriptRe, s, func(g []string) string {
		if nonJSScriptRe.MatchString(g[1]) {
			return g[0]
		}
		return g[1] + r.rewriteScript(g[2], base) + g[3]
	})

	baseStr := ""
	if base != nil {
		baseStr = base.String()
	}
	return []byte(Inject(s, ScriptTag(r.proxifier.EntryPath, baseStr)))
}

// EffectiveBase returns the document's <base href> resolved against target, or target
// when there is none.
func EffectiveBase(doc string, target *url.URL) *url.URL {
	m := baseHrefRe.FindStringSubmatch(doc)
	if m == nil || target == nil {
		return target
	}
	_, raw := unquote(m[1])
	ref, err := url.Parse(strings.TrimSpace(html.UnescapeString(raw)))
	if err != nil {
		return target
	}
	abs := target.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return target
	}
	return abs
}

func (r *Regex) rewriteTag(tag, name string, base *url.URL) string {
	// <base> keeps pointing at the upstream document so the injected script can
	// resolve against it.
	if name == "base" {
		return tag
	}

	tag = replaceAllSubmatch(attrRe, tag, func(g []string) string {
		quote, raw := unquote(g[2])
		val := html.UnescapeString(raw)
		out := r.proxifier.Proxify(val, base)
		if out == val {
			return g[0]
		}
		return g[1] + quote + out + quote
	})

	tag = replaceAllSubmatch(srcsetRe, tag, func(g []string) string {
		quote, raw := unquote(g[2])
		out, changed := r.rewriteSrcset(html.UnescapeString(raw), base)
		if !changed {
			return g[0]
		}
		return g[1] + quote + out + quote
	})

	if name == "meta" && httpEquivRefreshRe.MatchString(tag) {
		tag = replaceAllSubmatch(refreshRe, tag, func(g []string) string {
			val := html.UnescapeString(strings.TrimSpace(g[3]))
			out := r.proxifier.Proxify(val, base)
			if out == val {
				return g[0]
			}
			return g[1] + g[2] + out
		})
	}
	return tag
}

// rewriteSrcset proxifies each candidate URL and keeps its width/density descriptor.
func (r *Regex) rewriteSrcset(val string, base *url.URL) (string, bool) {
	candidates := parseSrcset(val)
	changed := false
	parts := make([]string, len(candidates))
	for i, c := range candidates {
		if out := r.proxifier.Proxify(c.url, base); out != c.url {
			c.url = out
			changed = true
		}
		parts[i] = c.url
		if c.descriptor != "" {
			parts[i] += " " + c.descriptor
		}
	}
	if !changed {
		return val, false
	}
	return strings.Join(parts, ", "), true
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// parseSrcset splits a srcset value the way browsers do: a URL runs to the next
// whitespace (trailing commas end the candidate), the descriptor runs to the next
// comma outside parentheses. Commas inside URLs such as "w_400,h_300" or data: URIs
// stay part of the URL.
func parseSrcset(val string) []srcsetCandidate {
	var out []srcsetCandidate
	i := 0
	for i < len(val) {
		for i < len(val) && (isSpace(val[i]) || val[i] == ',') {
			i++
		}
		if i >= len(val) {
			break
		}

		start := i
		for i < len(val) && !isSpace(val[i]) {
			i++
		}
		u := val[start:i]
		if trimmed := strings.TrimRight(u, ","); trimmed != u {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}

		start = i
		depth := 0
	desc:
		for i < len(val) {
			switch val[i] {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					break desc
				}
			}
			i++
		}
		out = append(out, srcsetCandidate{url: u, descriptor: strings.Join(strings.Fields(val[start:i]), " ")})
	}
	return out
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

func (r *Regex) rewriteScript(body string, base *url.URL) string {
	rewriteLiteral := func(g []string) string {
		quote, raw := unquote(g[2])
		if !looksLikeURL(raw) {
			return g[0]
		}
		out := r.proxifier.Proxify(raw, base)
		if out == raw {
			return g[0]
		}
		return g[1] + quote + out + quote
	}
	body = replaceAllSubmatch(jsLocationRe, body, rewriteLiteral)
	body = replaceAllSubmatch(jsCallRe, body, rewriteLiteral)
	return body
}

// looksLikeURL filters out string literals such as HTTP method names passed to
// XMLHttpRequest.open.
func looksLikeURL(s string) bool {
	return strings.ContainsAny(s, "/.:")
}

// Inject inserts snippet right before the first </head>. Without a head it goes right
// after the opening <body> tag, and failing that at the very start of the document.
func Inject(doc, snippet string) string {
	if loc := headCloseRe.FindStringIndex(doc); loc != nil {
		return doc[:loc[0]] + snippet + doc[loc[0]:]
	}
	if loc := bodyOpenRe.FindStringIndex(doc); loc != nil {
		return doc[:loc[1]] + snippet + doc[loc[1]:]
	}
	return snippet + doc
}

func unquote(v string) (quote, inner string) {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[:1], v[1 : len(v)-1]
	}
	return "", v
}

// replaceAllSubmatch is regexp.ReplaceAllStringFunc with access to the submatches.
// Unmatched groups are passed as empty strings.
func replaceAllSubmatch(re *regexp.Regexp, s string, fn func(groups []string) string) string {
	locs := re.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range locs {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(fn(groups))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
