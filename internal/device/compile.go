package device

import (
	"fmt"
	"regexp"
	"strings"
)

// Source is kernel program text. The text is opaque to the engines; the
// device only reads the kernel declarations from it.
type Source struct {
	Name string
	Text string
}

var (
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	kernelDecl   = regexp.MustCompile(`__kernel\s+void\s+(\w+)\s*\(([^)]*)\)`)
)

// parseSource returns the parameter kinds of every __kernel declared in src,
// plus diagnostics for declarations it could not understand.
func parseSource(src Source) (map[string]Signature, []string) {
	text := blockComment.ReplaceAllString(src.Text, "")
	text = lineComment.ReplaceAllString(text, "")

	decls := make(map[string]Signature)
	var diags []string
	for _, m := range kernelDecl.FindAllStringSubmatch(text, -1) {
		name, params := m[1], strings.TrimSpace(m[2])
		if _, dup := decls[name]; dup {
			diags = append(diags, fmt.Sprintf("%s: error: redefinition of kernel '%s'", src.Name, name))
			continue
		}
		var sig Signature
		if params != "" && params != "void" {
			for i, p := range strings.Split(params, ",") {
				kind, ok := paramKind(p)
				if !ok {
					diags = append(diags, fmt.Sprintf("%s: error: kernel '%s' parameter %d has unsupported type %q",
						src.Name, name, i, strings.TrimSpace(p)))
					continue
				}
				sig = append(sig, kind)
			}
		}
		decls[name] = sig
	}
	return decls, diags
}

func paramKind(p string) (ArgKind, bool) {
	p = strings.TrimSpace(p)
	if !strings.Contains(p, "uint") && !strings.Contains(p, "unsigned int") {
		return 0, false
	}
	if strings.Contains(p, "*") {
		if !strings.Contains(p, "__global") && !strings.Contains(p, "global ") {
			return 0, false
		}
		return ArgBuffer, true
	}
	return ArgUint, true
}

func joinLog(lines []string) string {
	return strings.Join(lines, "\n")
}
