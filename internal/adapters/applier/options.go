package applier

import (
	"net/http"
	"strings"

	"github.com/okian/buma/pkg/logger"
)

// Option configures a GitHub applier.
type Option func(*GitHub)

// WithBaseURL points the applier at a GitHub Enterprise host or a test
// server.
func WithBaseURL(u string) Option {
	return func(g *GitHub) {
		if u != "" {
			g.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *GitHub) {
		if c != nil {
			g.http = c
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(g *GitHub) {
		if ua != "" {
			g.userAgent = ua
		}
	}
}

// WithLogger sets the applier logger.
func WithLogger(l logger.Logger) Option {
	return func(g *GitHub) {
		if l != nil {
			g.log = l
		}
	}
}
