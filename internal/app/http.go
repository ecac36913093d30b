package app

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"groupsync/pkg/logger"
)

type healthStatus struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	InboxID        string `json:"inbox_id"`
	InstallationID string `json:"installation_id"`
	LowDisk        bool   `json:"low_disk"`
}

// healthzHandlerFast reports liveness. Low disk degrades the status but
// still answers 200.
func (a *App) healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	st := healthStatus{
		Status:         "ok",
		Version:        a.version,
		InboxID:        a.client.InboxID(),
		InstallationID: a.client.InstallationID(),
	}
	if st.Version == "" {
		st.Version = "dev"
	}
	if a.hwSensor != nil && a.hwSensor.LowDisk() {
		st.Status = "degraded"
		st.LowDisk = true
	}
	body, err := json.Marshal(st)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.Write(body)
}

// handler routes the daemon's two endpoints.
func (a *App) handler() fasthttp.RequestHandler {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsGet() && !ctx.IsHead() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		switch string(ctx.Path()) {
		case "/healthz":
			a.healthzHandlerFast(ctx)
		case "/metrics":
			metricsHandler(ctx)
		default:
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			_, _ = ctx.WriteString("{\"error\":\"not found\"}")
		}
	}
}

// startHTTP binds addr and serves in the background, returning a channel
// that delivers the serve error.
func (a *App) startHTTP(addr string) (<-chan error, error) {
	const (
		readTimeout  = 10 * time.Second
		writeTimeout = 10 * time.Second
		idleTimeout  = 30 * time.Second
	)
	a.srvFast = &fasthttp.Server{
		Handler:           a.handler(),
		Name:              "groupsync",
		ReduceMemoryUsage: true,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	a.ln = ln
	a.listenAddrMu.Lock()
	a.listenAddrBound = ln.Addr().String()
	a.listenAddrMu.Unlock()
	logger.Info("http_listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srvFast.Serve(ln)
	}()
	return errCh, nil
}

// ListenAddr is the bound metrics address, empty until Run has started the server.
func (a *App) ListenAddr() string {
	a.listenAddrMu.Lock()
	defer a.listenAddrMu.Unlock()
	return a.listenAddrBound
}
