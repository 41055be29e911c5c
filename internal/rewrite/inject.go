package rewrite

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/inkdust2021/passage/internal/canon"
)

//go:embed intercept.js
var interceptJS string

const (
	entryPlaceholder = "__PASSAGE_ENTRY__"
	basePlaceholder  = "__PASSAGE_BASE__"
)

// InterceptScript returns the client-side interception script bound to entryPath and
// the document base URL.
func InterceptScript(entryPath, base string) string {
	if entryPath == "" {
		entryPath = canon.DefaultEntryPath
	}
	return strings.NewReplacer(
		entryPlaceholder, jsString(entryPath),
		basePlaceholder, jsString(base),
	).Replace(interceptJS)
}

// ScriptTag wraps InterceptScript in a <script> element.
func ScriptTag(entryPath, base string) string {
	return `<script data-passage="intercept">` + InterceptScript(entryPath, base) + `</script>`
}

// jsString encodes s as a JavaScript string literal. json.Marshal escapes <, > and &,
// so the literal cannot close the surrounding script element.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
