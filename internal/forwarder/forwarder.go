// Package forwarder owns the actual HTTP proxy forwarding path, kept
// outside the cluster core: the core only produces a ProxyTarget
// resolution. Adapted from the teacher's edgeproxy.serveHTTPS
// (httputil.ReverseProxy with a rewriting Director and X-Forwarded-*
// headers).
package forwarder

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/zeitwork/clustermux/internal/cluster"
)

// Forwarder resolves each request through a Container and forwards it to
// the winning Context's backend connection URI.
type Forwarder struct {
	container *cluster.Container
	logger    *slog.Logger
}

// New creates a Forwarder bound to container.
func New(container *cluster.Container, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{container: container, logger: logger}
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := f.container.FindTarget(r)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx, err := f.container.ResolveNode(target)
	if err != nil {
		f.logger.Warn("no node resolved for request", "host", r.Host, "path", r.URL.Path, "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	backend, err := url.Parse(ctx.Node().ConnectionURI)
	if err != nil {
		f.logger.Error("invalid backend connection URI", "uri", ctx.Node().ConnectionURI, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(backend)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", schemeOf(r))
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		f.logger.Error("backend forward failed", "jvm_route", ctx.Node().JVMRoute, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	ctx.BeginRequest()
	defer ctx.EndRequest()
	proxy.ServeHTTP(w, r)
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
