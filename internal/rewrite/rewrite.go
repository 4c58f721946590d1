package rewrite

import (
	"encoding/base64"
	"path"
	"regexp"
	"strings"
)

var (
	headOpenRe = regexp.MustCompile(`(?i)<head(?:\s[^>]*)?>`)

	// attrRe matches src=, href= and data-src= with double-quoted,
	// single-quoted or bare values. The leading whitespace group keeps
	// "data-src" from also matching as "src".
	attrRe = regexp.MustCompile(`(?i)(\s)(src|href|data-src)(\s*=\s*)(?:(")([^"]*)"|(')([^']*)'|([^\s"'>]+))`)

	cssURLRe = regexp.MustCompile(`(?i)url\(\s*(?:(")([^"]*)"|(')([^']*)'|([^"')\s][^)\s]*))\s*\)`)

	styleBlockRe = regexp.MustCompile(`(?is)(<style\b[^>]*>)(.*?)(</style\s*>)`)
	styleAttrRe  = regexp.MustCompile(`(?i)(\sstyle\s*=\s*)(?:(")([^"]*)"|(')([^']*)')`)

	scriptSrcRe = regexp.MustCompile(`(?is)<script\b([^>]*)>\s*</script\s*>`)
	linkRe      = regexp.MustCompile(`(?is)<link\b[^>]*>`)
	imgRe       = regexp.MustCompile(`(?is)<img\b[^>]*>`)
	relStyleRe  = regexp.MustCompile(`(?i)\srel\s*=\s*(?:"\s*stylesheet\s*"|'\s*stylesheet\s*'|stylesheet\b)`)
	mediaAttrRe = regexp.MustCompile(`(?i)\smedia\s*=\s*(?:"[^"]*"|'[^']*')`)

	inlineScriptRe = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script\s*>)`)
	srcAttrRe      = regexp.MustCompile(`(?i)\ssrc\s*=`)
	loaderCallRe   = regexp.MustCompile(`\b(\w*Loader)\.instantiate\(\s*("[^"]*"|'[^']*')\s*,\s*(?:(")([^"]*)"|(')([^']*)')`)
	onloadRe       = regexp.MustCompile(`(?i)\bonload\b|addEventListener\(\s*["']load["']`)
)

// Rewrite runs the full pipeline over an entry document: base injection,
// attribute rewriting, CSS url() rewriting, optional inlining and loader
// deferral. It never fails; fragments it cannot match are left as they are.
func Rewrite(doc string, ctx *Context) string {
	head, body := InjectBase(doc, ctx.BaseHref)
	body = RewriteAttributes(body, ctx)
	body = RewriteCSSURLs(body, ctx)
	if ctx.Inline != nil {
		body = InlineAssets(body, ctx)
	}
	body = DeferLoader(body, ctx)
	return head + body
}

// InjectBase inserts <base href> right after the first <head> open tag, or
// prepends a synthesized head when the document has none. It returns the
// document split after the injected tag so later steps leave it alone.
func InjectBase(doc, baseHref string) (head, rest string) {
	tag := `<base href="` + escapeAttr(baseHref) + `">`
	if loc := headOpenRe.FindStringIndex(doc); loc != nil {
		return doc[:loc[1]] + tag, doc[loc[1]:]
	}
	return "<head>" + tag + "</head>", doc
}

// RewriteAttributes rewrites relative src=, href= and data-src= values,
// keeping the original quote character.
func RewriteAttributes(doc string, ctx *Context) string {
	return replaceSubmatches(attrRe, doc, func(m []string) string {
		quote, value := m[4]+m[6], m[5]+m[7]+m[8]
		u, ok := ctx.URL(value)
		if !ok {
			return m[0]
		}
		return m[1] + m[2] + m[3] + quote + u + quote
	})
}

// RewriteCSSURLs rewrites relative url(...) references inside <style>
// blocks and style="" attributes.
func RewriteCSSURLs(doc string, ctx *Context) string {
	doc = replaceSubmatches(styleBlockRe, doc, func(m []string) string {
		return m[1] + RewriteCSS(m[2], ctx) + m[3]
	})
	return replaceSubmatches(styleAttrRe, doc, func(m []string) string {
		quote := m[2] + m[4]
		return m[1] + quote + RewriteCSS(m[3]+m[5], ctx) + quote
	})
}

// RewriteCSS rewrites the url(...) tokens of a stylesheet body.
func RewriteCSS(css string, ctx *Context) string {
	return replaceSubmatches(cssURLRe, css, func(m []string) string {
		quote, value := m[1]+m[3], m[2]+m[4]+m[5]
		u, ok := ctx.URL(value)
		if !ok {
			return m[0]
		}
		return "url(" + quote + u + quote + ")"
	})
}

// InlineCandidates returns the backend paths of the scripts, stylesheets
// and images the inlining step could replace, grouped in that order and
// without duplicates.
func InlineCandidates(doc string, ctx *Context) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(value string) {
		p := ctx.lookup(value)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for _, m := range scriptSrcRe.FindAllStringSubmatch(doc, -1) {
		if v, ok := attrValue(m[1], "src"); ok {
			add(v)
		}
	}
	for _, tag := range linkRe.FindAllString(doc, -1) {
		if !relStyleRe.MatchString(tag) {
			continue
		}
		if v, ok := attrValue(tag, "href"); ok {
			add(v)
		}
	}
	for _, tag := range imgRe.FindAllString(doc, -1) {
		if v, ok := attrValue(tag, "src"); ok {
			add(v)
		}
	}
	return out
}

// InlineAssets replaces external scripts, stylesheets and images whose
// content is present in ctx.Inline with inline equivalents. References
// without content are left untouched.
func InlineAssets(doc string, ctx *Context) string {
	doc = replaceSubmatches(scriptSrcRe, doc, func(m []string) string {
		v, ok := attrValue(m[1], "src")
		if !ok {
			return m[0]
		}
		p := ctx.lookup(v)
		c, ok := ctx.Inline[p]
		if !ok || p == "" {
			return m[0]
		}
		attrs := strings.TrimSpace(removeAttr(m[1], "src"))
		if attrs != "" {
			attrs = " " + attrs
		}
		js := strings.ReplaceAll(string(c.Bytes), "</script", `<\/script`)
		return "<script" + attrs + ">" + js + "</script>"
	})

	doc = replaceSubmatches(linkRe, doc, func(m []string) string {
		tag := m[0]
		if !relStyleRe.MatchString(tag) {
			return tag
		}
		v, ok := attrValue(tag, "href")
		if !ok {
			return tag
		}
		p := ctx.lookup(v)
		c, ok := ctx.Inline[p]
		if !ok || p == "" {
			return tag
		}
		css := RewriteCSS(string(c.Bytes), ctx.Relative(path.Dir(p)))
		css = strings.ReplaceAll(css, "</style", `<\/style`)
		open := "<style>"
		if media := mediaAttrRe.FindString(tag); media != "" {
			open = "<style" + media + ">"
		}
		return open + css + "</style>"
	})

	return replaceSubmatches(imgRe, doc, func(m []string) string {
		tag := m[0]
		v, ok := attrValue(tag, "src")
		if !ok {
			return tag
		}
		p := ctx.lookup(v)
		c, ok := ctx.Inline[p]
		if !ok || p == "" {
			return tag
		}
		uri := "data:" + c.ContentType + ";base64," + base64.StdEncoding.EncodeToString(c.Bytes)
		return setAttr(tag, "src", uri)
	})
}

// DeferLoader handles the known loader pattern
// `XLoader.instantiate("container", "config.json", ...)` in inline scripts:
// the config path is rewritten like any reference and the script body is
// wrapped so it runs after the window load event. Scripts that already
// mention an onload handler are left alone.
func DeferLoader(doc string, ctx *Context) string {
	return replaceSubmatches(inlineScriptRe, doc, func(m []string) string {
		open, body, end := m[1], m[2], m[3]
		if srcAttrRe.MatchString(open) || !loaderCallRe.MatchString(body) || onloadRe.MatchString(body) {
			return m[0]
		}
		body = replaceSubmatches(loaderCallRe, body, func(c []string) string {
			quote, value := c[3]+c[5], c[4]+c[6]
			u, ok := ctx.URL(value)
			if !ok {
				return c[0]
			}
			prefix := c[0][:len(c[0])-len(value)-2]
			return prefix + quote + u + quote
		})
		return open + "\nwindow.addEventListener(\"load\", function () {\n" + body + "\n});\n" + end
	})
}

// attrValue returns the value of attr within a tag or attribute list.
func attrValue(tag, attr string) (string, bool) {
	for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
		if strings.EqualFold(m[2], attr) {
			return m[5] + m[7] + m[8], true
		}
	}
	return "", false
}

func removeAttr(tag, attr string) string {
	return replaceSubmatches(attrRe, tag, func(m []string) string {
		if strings.EqualFold(m[2], attr) {
			return ""
		}
		return m[0]
	})
}

func setAttr(tag, attr, value string) string {
	done := false
	return replaceSubmatches(attrRe, tag, func(m []string) string {
		if done || !strings.EqualFold(m[2], attr) {
			return m[0]
		}
		done = true
		return m[1] + m[2] + m[3] + `"` + escapeAttr(value) + `"`
	})
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, "&quot;")
}
