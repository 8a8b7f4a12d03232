package shell

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/autherr"
)

// newAPIProxy forwards /api/<path> to <base>/<path>. The coordinator
// transport attaches the bearer token and handles 401 refresh.
func (s *Server) newAPIProxy() (http.Handler, error) {
	target, err := url.Parse(s.api.BaseURL())
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("shell: invalid api url %q", s.api.BaseURL())
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/api")
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: s.api.Transport(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			kind := autherr.KindOf(err)
			if kind == "" {
				err = autherr.Wrap(autherr.KindNetwork, "upstream unavailable", err)
			}
			s.logger.Debug("api proxy failed",
				zap.String("path", r.URL.Path),
				zap.String("kind", string(autherr.KindOf(err))),
				zap.Error(err),
			)
			writeError(w, err)
		},
	}, nil
}
