// Package rewrite rewrites URL references in HTML and CSS bodies so that
// follow-up resource requests route back through the proxy.
//
// Matching is textual (regular expressions over the raw document), not a DOM
// parse; goquery is used only for the two insertions where position in the
// document matters: the <base> element and the navigation interception script.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/nmdft/ESAproxy/internal/config"
	"github.com/nmdft/ESAproxy/internal/model"
)

// Policy selects the rewrite strategy.
type Policy int

const (
	// FullIntercept rewrites every src/href attribute and CSS url()
	// reference, resolving relative URLs against the target, and injects a
	// script that intercepts in-page navigation at runtime.
	FullIntercept Policy = iota

	// ConservativeBase inserts a <base> element pointing at the target
	// origin and rewrites only fully-qualified absolute http(s) URLs.
	// CSS is left untouched.
	ConservativeBase
)

// ParsePolicy converts a config policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case config.PolicyIntercept:
		return FullIntercept, nil
	case config.PolicyBase:
		return ConservativeBase, nil
	}
	return FullIntercept, fmt.Errorf("unknown rewrite policy %q", s)
}

func (p Policy) String() string {
	if p == ConservativeBase {
		return config.PolicyBase
	}
	return config.PolicyIntercept
}

// proxyPathMarker detects references that already route through the proxy.
// Rewriting is idempotent: a reference containing this marker is never
// wrapped a second time.
const proxyPathMarker = "/proxy?url="

// srcAttrRe matches src attributes on resource-bearing tags. The quoted value
// is captured per quote style because RE2 has no backreferences.
var srcAttrRe = regexp.MustCompile(
	`(?i)(<(?:img|script|iframe|embed|audio|video|source)\b[^>]*?\ssrc\s*=\s*)(?:"([^"]*)"|'([^']*)')`)

// hrefAttrRe matches href attributes on anchor and link tags.
var hrefAttrRe = regexp.MustCompile(
	`(?i)(<(?:a|link)\b[^>]*?\shref\s*=\s*)(?:"([^"]*)"|'([^']*)')`)

// cssURLRe matches CSS url() references in all three quoting forms.
var cssURLRe = regexp.MustCompile(
	`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^'")\s][^)\s]*))\s*\)`)

// skippedPrefixes lists reference prefixes that are never rewritten.
var skippedPrefixes = []string{"#", "data:", "javascript:", "mailto:", "tel:"}

// Rewriter rewrites response bodies under a fixed policy. It holds no
// per-request state; all request-scoped inputs arrive via RewriteContext.
type Rewriter struct {
	policy Policy
}

// New creates a Rewriter with the given policy.
func New(policy Policy) *Rewriter {
	return &Rewriter{policy: policy}
}

// Policy returns the configured rewrite policy.
func (rw *Rewriter) Policy() Policy {
	return rw.policy
}

// ShouldRewrite reports whether a response with the given Content-Type gets
// its body rewritten. HTML is always rewritten; standalone stylesheets only
// under FullIntercept (ConservativeBase leaves CSS alone so untouched
// relative references resolve via the <base> element).
func (rw *Rewriter) ShouldRewrite(contentType string) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	return rw.policy == FullIntercept && strings.Contains(contentType, "text/css")
}

// Rewrite transforms a buffered body according to the policy. contentType
// decides between HTML and CSS handling. Malformed references are left
// unmodified; a bad URL degrades one sub-resource, never the whole page.
func (rw *Rewriter) Rewrite(body string, contentType string, rc model.RewriteContext) string {
	if strings.Contains(contentType, "text/css") && !strings.Contains(contentType, "text/html") {
		if rw.policy != FullIntercept {
			return body
		}
		return rw.rewriteCSS(body, rc)
	}

	switch rw.policy {
	case ConservativeBase:
		body = rewriteAttrs(srcAttrRe, body, rc, rw.wrapAbsoluteOnly)
		body = rewriteAttrs(hrefAttrRe, body, rc, rw.wrapAbsoluteOnly)
		return injectBaseTag(body, rc)
	default:
		body = rewriteAttrs(srcAttrRe, body, rc, rw.wrapAny)
		body = rewriteAttrs(hrefAttrRe, body, rc, rw.wrapAny)
		body = rw.rewriteCSS(body, rc)
		return injectNavScript(body, rc)
	}
}

// rewriteAttrs applies wrap to every attribute value matched by re,
// preserving the attribute prefix and quote style of each match.
func rewriteAttrs(re *regexp.Regexp, body string, rc model.RewriteContext, wrap func(string, model.RewriteContext) (string, bool)) string {
	return re.ReplaceAllStringFunc(body, func(match string) string {
		sub := re.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		prefix := sub[1]
		val, quote := sub[2], `"`
		if sub[3] != "" {
			val, quote = sub[3], `'`
		}
		wrapped, ok := wrap(val, rc)
		if !ok {
			return match
		}
		return prefix + quote + wrapped + quote
	})
}

// rewriteCSS wraps every url() reference in the body.
func (rw *Rewriter) rewriteCSS(body string, rc model.RewriteContext) string {
	return cssURLRe.ReplaceAllStringFunc(body, func(match string) string {
		sub := cssURLRe.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		val := sub[1]
		quote := "'"
		switch {
		case sub[2] != "":
			val, quote = sub[2], `"`
		case sub[3] != "":
			val, quote = sub[3], ""
		}
		wrapped, ok := rw.wrapAny(val, rc)
		if !ok {
			return match
		}
		return "url(" + quote + wrapped + quote + ")"
	})
}

// wrapAny resolves ref against the target base and wraps it in proxied form.
// Relative, root-relative and protocol-relative references are resolved to
// absolute first. Returns false when the reference must be left untouched.
func (rw *Rewriter) wrapAny(ref string, rc model.RewriteContext) (string, bool) {
	ref = strings.TrimSpace(ref)
	if skipRef(ref) {
		return "", false
	}

	var abs *url.URL
	if strings.HasPrefix(ref, "//") {
		u, err := url.Parse(rc.Base.Scheme + ":" + ref)
		if err != nil {
			return "", false
		}
		abs = u
	} else {
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		if u.IsAbs() && u.Scheme != "http" && u.Scheme != "https" {
			return "", false
		}
		abs = rc.Base.ResolveReference(u)
	}

	return wrapURL(abs, rc), true
}

// wrapAbsoluteOnly wraps only fully-qualified http(s) references; everything
// relative is left for the <base> element to resolve against the origin.
func (rw *Rewriter) wrapAbsoluteOnly(ref string, rc model.RewriteContext) (string, bool) {
	ref = strings.TrimSpace(ref)
	if skipRef(ref) {
		return "", false
	}

	u, err := url.Parse(ref)
	if err != nil || !u.IsAbs() {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	return wrapURL(u, rc), true
}

// skipRef reports whether a reference is out of rewriting scope: empty
// values, fragments, data: URIs, non-navigational schemes, and references
// already routed through the proxy.
func skipRef(ref string) bool {
	if ref == "" {
		return true
	}
	if strings.Contains(ref, proxyPathMarker) {
		return true
	}
	lower := strings.ToLower(ref)
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func wrapURL(abs *url.URL, rc model.RewriteContext) string {
	return rc.ProxyOrigin + proxyPathMarker + url.QueryEscape(abs.String())
}

// baseTagMarker detects a previously inserted <base> element.
const baseTagMarker = `<base href=`

// injectBaseTag inserts <base href="scheme://host/"> as the first child of
// <head> so untouched relative references resolve against the original
// origin. Skipped when the document already carries a base element.
func injectBaseTag(body string, rc model.RewriteContext) string {
	if strings.Contains(body, baseTagMarker) {
		return body
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}

	head := doc.Find("head").First()
	if head.Length() == 0 {
		return body
	}
	head.PrependHtml(fmt.Sprintf(`<base href="%s://%s/">`, rc.Base.Scheme, rc.Base.Host))

	html, err := doc.Html()
	if err != nil {
		return body
	}
	return html
}

// injectNavScript appends the navigation interception script to <head> so it
// runs before the page's own scripts navigate. The script element id guards
// against double injection.
func injectNavScript(body string, rc model.RewriteContext) string {
	if strings.Contains(body, navScriptID) {
		return body
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}

	head := doc.Find("head").First()
	if head.Length() == 0 {
		return body
	}
	head.AppendHtml(navScript(rc))

	html, err := doc.Html()
	if err != nil {
		return body
	}
	return html
}
