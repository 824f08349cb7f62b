// Package admin exposes the control-plane HTTP surface: readiness, a
// scale-down trigger, and a Prometheus scrape endpoint. It is
// deliberately not the client-facing generation front-end, which stays
// out of scope for this module.
package admin

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nvidia/kvfleet/coordinator"
	"github.com/nvidia/kvfleet/internal/nlog"
)

type Server struct {
	coord *coordinator.Coordinator
	reg   *prometheus.Registry
	ln    *fasthttputil.InmemoryListener
}

func New(coord *coordinator.Coordinator, reg *prometheus.Registry) *Server {
	return &Server{coord: coord, reg: reg}
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/is_ready":
		s.handleIsReady(ctx)
	case "/metrics":
		s.handleMetrics(ctx)
	case "/scale_down":
		s.handleScaleDown(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleIsReady(ctx *fasthttp.RequestCtx) {
	body, _ := json.Marshal(map[string]any{
		"ready":            s.coord.InstanceCount() > 0,
		"instance_count":   s.coord.InstanceCount(),
		"pending_rebuilds": s.coord.PendingRebuilds(),
	})
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	h := promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
	fasthttpadaptor.NewFastHTTPHandler(h)(ctx)
}

func (s *Server) handleScaleDown(ctx *fasthttp.RequestCtx) {
	instanceID := string(ctx.QueryArgs().Peek("instance_id"))
	if instanceID == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	s.coord.ScaleDown(instanceID)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

// ListenAndServe starts the fasthttp server on addr; pass "" to instead
// obtain an in-memory listener via InmemoryListener (used by tests).
func (s *Server) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{Handler: s.handler, Name: "kvfleet-admin"}
	if addr == "" {
		s.ln = fasthttputil.NewInmemoryListener()
		nlog.Infoln("admin: serving on in-memory listener")
		return srv.Serve(s.ln)
	}
	nlog.Infoln("admin: serving on", addr)
	return srv.ListenAndServe(addr)
}

func (s *Server) InmemoryListener() *fasthttputil.InmemoryListener { return s.ln }
