// Package server exposes the agent over HTTP: prometheus metrics, health probes,
// the controller status and operator hotplug requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/cpuset"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second

	livenessEndpoint  = "/healthz"
	readinessEndpoint = "/readyz"
)

type StatusSource interface {
	Status() mitigation.Status
	Cores() cpuset.CPUSet
}

type Admitter interface {
	Admit(core uint) mitigation.Admission
}

// OnlineRequester brings cores online, consulting the admission guard first.
type OnlineRequester interface {
	Online(cpu uint) error
	IsOnline(cpu uint) bool
}

type Options struct {
	BindAddress string
	Status      StatusSource
	Admission   Admitter
	Hotplug     OnlineRequester
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prom.Gatherer
}

type Server struct {
	log     logr.Logger
	addr    string
	opts    Options
	handler http.Handler
}

var _ manager.Runnable = &Server{}

func New(log logr.Logger, opts Options) (*Server, error) {
	if opts.Status == nil || opts.Admission == nil || opts.Hotplug == nil {
		return nil, errors.New("status, admission and hotplug are required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prom.DefaultGatherer
	}

	s := &Server{log: log, addr: opts.BindAddress, opts: opts}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	for endpoint, checks := range map[string]map[string]healthz.Checker{
		livenessEndpoint:  {"ping": healthz.Ping},
		readinessEndpoint: {"controller": s.ready},
	} {
		handler := http.StripPrefix(endpoint, &healthz.Handler{Checks: checks})
		mux.Handle(endpoint, handler)
		mux.Handle(endpoint+"/", handler)
	}
	mux.HandleFunc("GET /api/v1/status", s.getStatus)
	mux.HandleFunc("GET /api/v1/cpus/{id}/admission", s.getAdmission)
	mux.HandleFunc("POST /api/v1/cpus/{id}/online", s.postOnline)
	s.handler = mux

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.log.Info("serving", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ready fails while the loop is enabled but has not completed a cycle yet.
func (s *Server) ready(_ *http.Request) error {
	status := s.opts.Status.Status()
	if status.Enabled && status.LastCycle.IsZero() {
		return errors.New("no sampling cycle completed yet")
	}
	return nil
}

func (s *Server) cpuFromPath(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cpu id %q", r.PathValue("id")))
		return 0, false
	}
	if !s.opts.Status.Cores().Contains(int(id)) {
		writeError(w, http.StatusNotFound, fmt.Errorf("cpu %d is not managed", id))
		return 0, false
	}
	return uint(id), true
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatusResponse(s.opts.Status.Status()))
}

func (s *Server) getAdmission(w http.ResponseWriter, r *http.Request) {
	cpu, ok := s.cpuFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, admissionResponse{
		CPU:       cpu,
		Online:    s.opts.Hotplug.IsOnline(cpu),
		Admission: s.opts.Admission.Admit(cpu).String(),
	})
}

func (s *Server) postOnline(w http.ResponseWriter, r *http.Request) {
	cpu, ok := s.cpuFromPath(w, r)
	if !ok {
		return
	}

	log := s.log.WithValues("cpu", cpu, "remote", r.RemoteAddr)
	if err := s.opts.Hotplug.Online(cpu); err != nil {
		if errors.Is(err, mitigation.ErrOnlineVetoed) {
			log.Info("online request denied by core control")
			writeError(w, http.StatusConflict, err)
			return
		}
		log.Error(err, "online request failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	log.Info("cpu brought online on request")
	writeJSON(w, http.StatusOK, admissionResponse{
		CPU:       cpu,
		Online:    s.opts.Hotplug.IsOnline(cpu),
		Admission: mitigation.AdmissionAllow.String(),
	})
}
