package rewrite

import (
	"fmt"

	"github.com/nmdft/ESAproxy/internal/model"
)

// navScriptID marks the injected script element; its presence in a document
// means injection (and therefore the whole rewrite pass) already happened.
const navScriptID = "esaproxy-nav"

// navScriptTemplate is the client-side navigation interceptor injected under
// FullIntercept. It wraps link clicks, form submissions and history API
// navigations through the proxy at runtime, covering URLs the static rewrite
// cannot reach because page script constructs them dynamically.
//
// Placeholders: target base URL, proxy origin.
const navScriptTemplate = `<script id="esaproxy-nav">(function () {
  var base = '%s';
  var origin = '%s';
  function wrap(u) {
    if (!u) { return u; }
    u = String(u);
    if (u.indexOf('/proxy?url=') !== -1) { return u; }
    if (/^(#|data:|javascript:|mailto:|tel:)/i.test(u)) { return u; }
    try {
      var abs = new URL(u, base).href;
      return origin + '/proxy?url=' + encodeURIComponent(abs);
    } catch (e) {
      return u;
    }
  }
  document.addEventListener('click', function (e) {
    var el = e.target;
    while (el && el.tagName !== 'A') { el = el.parentElement; }
    if (!el || !el.getAttribute('href')) { return; }
    var href = el.getAttribute('href');
    var wrapped = wrap(href);
    if (wrapped !== href) {
      e.preventDefault();
      window.location.href = wrapped;
    }
  }, true);
  document.addEventListener('submit', function (e) {
    var form = e.target;
    if (!form) { return; }
    var action = form.getAttribute('action') || base;
    form.setAttribute('action', wrap(action));
  }, true);
  var push = history.pushState;
  var replace = history.replaceState;
  history.pushState = function (state, title, u) {
    return push.call(history, state, title, u == null ? u : wrap(u));
  };
  history.replaceState = function (state, title, u) {
    return replace.call(history, state, title, u == null ? u : wrap(u));
  };
})();</script>`

// navScript renders the interception script for one document.
func navScript(rc model.RewriteContext) string {
	return fmt.Sprintf(navScriptTemplate, rc.Base.String(), rc.ProxyOrigin)
}
