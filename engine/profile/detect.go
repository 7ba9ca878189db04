package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/gabriel-vasile/mimetype"
)

// Detect classifies content into a formatter profile. The filename hint wins
// when its extension is registered; otherwise content heuristics (shebang
// line, marker tokens, sniffed mime type) take over. Detection never guesses
// past its confidence: zero candidates yield NoProfileFound and more than one
// yields AmbiguousLanguage so the caller can disambiguate with an explicit
// language tag. Pure and safe for concurrent use.
func (r *Registry) Detect(content []byte, filename string) (*Profile, error) {
	if filename != "" {
		if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
			if p, ok := r.byExt[ext]; ok {
				return p, nil
			}
			return nil, core.NoProfileFound(
				fmt.Errorf("no formatter registered for extension %q", ext),
				map[string]any{"filename": filename, "extension": ext},
			)
		}
	}
	candidates := r.contentCandidates(content)
	switch len(candidates) {
	case 0:
		return nil, core.NoProfileFound(
			fmt.Errorf("content matched no registered formatter"),
			map[string]any{"filename": filename},
		)
	case 1:
		return candidates[0], nil
	default:
		ids := make([]string, len(candidates))
		for i, p := range candidates {
			ids[i] = p.ID
		}
		return nil, core.Ambiguous(
			fmt.Errorf("content matches multiple profiles: %s", strings.Join(ids, ", ")),
			map[string]any{"candidates": ids},
		)
	}
}

// contentCandidates collects every profile the content plausibly belongs to,
// in registry order and without duplicates.
func (r *Registry) contentCandidates(content []byte) []*Profile {
	seen := make(map[string]struct{})
	var out []*Profile
	add := func(p *Profile, ok bool) {
		if !ok || p == nil {
			return
		}
		if _, dup := seen[p.ID]; dup {
			return
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}

	if lang := shebangLanguage(content); lang != "" {
		p, ok := r.byLanguage[lang]
		add(p, ok)
		// A shebang is the strongest content signal there is.
		if len(out) > 0 {
			return out
		}
	}
	trimmed := bytes.TrimSpace(content)
	if looksLikeJSON(trimmed) {
		p, ok := r.byExt[".json"]
		add(p, ok)
		if len(out) > 0 {
			return out
		}
	}
	// A Go source file always starts with its package clause.
	if bytes.HasPrefix(trimmed, []byte("package ")) {
		p, ok := r.byLanguage["go"]
		add(p, ok)
		if len(out) > 0 {
			return out
		}
	}
	for _, ext := range sniffExtensions(content) {
		p, ok := r.byExt[ext]
		add(p, ok)
	}
	for lang, markers := range markerTokens {
		if matchesMarkers(trimmed, markers) {
			p, ok := r.byLanguage[lang]
			add(p, ok)
		}
	}
	return out
}

// shebangLanguage maps an interpreter line to a language tag.
func shebangLanguage(content []byte) string {
	if !bytes.HasPrefix(content, []byte("#!")) {
		return ""
	}
	line, _, _ := bytes.Cut(content, []byte("\n"))
	interp := string(bytes.TrimSpace(line[2:]))
	// "#!/usr/bin/env node" resolves through env; take the last token.
	fields := strings.Fields(interp)
	if len(fields) == 0 {
		return ""
	}
	base := filepath.Base(fields[len(fields)-1])
	switch {
	case strings.HasPrefix(base, "python"):
		return "python"
	case base == "node" || base == "nodejs":
		return "javascript"
	default:
		return ""
	}
}

func looksLikeJSON(trimmed []byte) bool {
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	return json.Valid(trimmed)
}

// sniffExtensions returns the candidate extensions reported by content-type
// sniffing, most specific first.
func sniffExtensions(content []byte) []string {
	mime := mimetype.Detect(content)
	var out []string
	for m := mime; m != nil; m = m.Parent() {
		if ext := m.Extension(); ext != "" {
			out = append(out, strings.ToLower(ext))
		}
	}
	return out
}

// markerTokens are weak lexical signals. Deliberately overlapping tags (a
// bare "const x=1" is valid JavaScript and valid TypeScript) surface as
// AmbiguousLanguage instead of an arbitrary pick.
var markerTokens = map[string][][]byte{
	"javascript": {[]byte("function "), []byte("const "), []byte("let "), []byte("=>"), []byte("var ")},
	"typescript": {[]byte("function "), []byte("const "), []byte("let "), []byte("=>"), []byte("interface ")},
	"python":     {[]byte("def "), []byte("elif "), []byte("print(")},
	"css":        {[]byte("@media"), []byte("@import url")},
}

func matchesMarkers(trimmed []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}
