package httpapi

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

const inspectorUnavailable = "MCP Inspector not available. Please wait for startup to complete."

// inspectorProxy reverse-proxies unmatched GETs to the inspector UI so
// its assets resolve under the proxy's origin.
func (s *Server) inspectorProxy() http.HandlerFunc {
	target, err := url.Parse(s.cfg.Inspector.UIOrigin)
	if err != nil {
		s.logger.Errorw("Invalid inspector UI origin",
			"origin", s.cfg.Inspector.UIOrigin, "error", err)
		return func(w http.ResponseWriter, _ *http.Request) {
			s.writeError(w, http.StatusServiceUnavailable, inspectorUnavailable)
		}
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Debugw("Inspector proxy error", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, inspectorUnavailable)
	}
	return proxy.ServeHTTP
}
