/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apiserver exposes the submission API over HTTP. Authentication is
// delegated to the fronting gateway; the customer identity arrives in a
// header.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epam/ecc/pkg/controllers/jobs"
	"github.com/epam/ecc/pkg/controllers/scheduledjobs"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
)

// CustomerHeader carries the authenticated customer identity set by the
// gateway.
const CustomerHeader = "X-Customer-Id"

// UserHeader optionally carries the acting user; the customer is used when
// absent.
const UserHeader = "X-User-Id"

type Server struct {
	jobs      *jobs.Controller
	scheduled *scheduledjobs.Controller
	registry  *prometheus.Registry
	validate  *validator.Validate
	http      *http.Server
}

func NewServer(port int, jobsController *jobs.Controller, scheduledController *scheduledjobs.Controller, registry *prometheus.Registry) *Server {
	s := &Server{
		jobs:      jobsController,
		scheduled: scheduledController,
		registry:  registry,
		validate:  validator.New(),
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Get("/health", s.health)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitLicensed)
		r.Post("/standard", s.submitStandard)
		r.Post("/k8s", s.submitK8s)
		r.Get("/", s.listJobs)
		r.Get("/{job_id}", s.getJob)
		r.Delete("/{job_id}", s.terminateJob)
	})
	router.Route("/scheduled-job", func(r chi.Router) {
		r.Post("/", s.registerScheduled)
		r.Get("/", s.listScheduled)
		r.Get("/{name}", s.getScheduled)
		r.Patch("/{name}", s.updateScheduled)
		r.Delete("/{name}", s.deleteScheduled)
	})
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for in-process serving.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the context is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	TenantName     string         `json:"tenant_name" validate:"required"`
	Owner          string         `json:"owner"`
	TargetRegions  []string       `json:"target_regions"`
	TargetRulesets []string       `json:"target_rulesets"`
	RulesToScan    []string       `json:"rules_to_scan"`
	Credentials    map[string]any `json:"credentials"`
}

type submitK8sRequest struct {
	PlatformID     string   `json:"platform_id" validate:"required"`
	Owner          string   `json:"owner"`
	TargetRulesets []string `json:"target_rulesets"`
	RulesToScan    []string `json:"rules_to_scan"`
	Token          string   `json:"token"`
}

type registerScheduledRequest struct {
	TenantName     string   `json:"tenant_name" validate:"required"`
	Schedule       string   `json:"schedule" validate:"required"`
	Name           string   `json:"name"`
	Enabled        *bool    `json:"enabled"`
	TargetRegions  []string `json:"target_regions"`
	TargetRulesets []string `json:"target_rulesets"`
	RulesToScan    []string `json:"rules_to_scan"`
}

type updateScheduledRequest struct {
	Enabled  *bool   `json:"enabled"`
	Schedule *string `json:"schedule"`
}

func (s *Server) submitStandard(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.jobs.SubmitStandard)
}

func (s *Server) submitLicensed(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.jobs.SubmitLicensed)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, run func(context.Context, jobs.SubmitCommand) (*jobs.DTO, error)) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	var body submitRequest
	if !s.decode(w, r, &body) {
		return
	}
	dto, err := run(r.Context(), jobs.SubmitCommand{
		Customer:       customer,
		Owner:          owner(r, customer),
		TenantName:     body.TenantName,
		TargetRegions:  body.TargetRegions,
		TargetRulesets: body.TargetRulesets,
		RulesToScan:    body.RulesToScan,
		Credentials:    body.Credentials,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, dto)
}

func (s *Server) submitK8s(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	var body submitK8sRequest
	if !s.decode(w, r, &body) {
		return
	}
	dto, err := s.jobs.SubmitK8s(r.Context(), jobs.SubmitK8sCommand{
		Customer:       customer,
		Owner:          owner(r, customer),
		PlatformID:     body.PlatformID,
		TargetRulesets: body.TargetRulesets,
		RulesToScan:    body.RulesToScan,
		Token:          body.Token,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, dto)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	dto, err := s.jobs.Get(r.Context(), jobs.GetCommand{
		Customer: customer,
		JobID:    chi.URLParam(r, "job_id"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, dto)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dtos, err := s.jobs.List(r.Context(), jobs.ListCommand{
		Customer:   customer,
		TenantName: r.URL.Query().Get("tenant_name"),
		Limit:      limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, dtos)
}

func (s *Server) terminateJob(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Terminate(r.Context(), jobs.TerminateCommand{
		Customer: customer,
		User:     owner(r, customer),
		JobID:    chi.URLParam(r, "job_id"),
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"message": "the job termination has been initiated"})
}

func (s *Server) registerScheduled(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	var body registerScheduledRequest
	if !s.decode(w, r, &body) {
		return
	}
	dto, err := s.scheduled.Register(r.Context(), scheduledjobs.RegisterCommand{
		Customer:       customer,
		TenantName:     body.TenantName,
		Name:           body.Name,
		Schedule:       body.Schedule,
		Enabled:        body.Enabled,
		TargetRegions:  body.TargetRegions,
		TargetRulesets: body.TargetRulesets,
		RulesToScan:    body.RulesToScan,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, dto)
}

func (s *Server) getScheduled(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	dto, err := s.scheduled.Get(r.Context(), customer, chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, dto)
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	var tenants []string
	if tenant := r.URL.Query().Get("tenant_name"); tenant != "" {
		tenants = []string{tenant}
	}
	dtos, err := s.scheduled.List(r.Context(), customer, tenants)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, dtos)
}

func (s *Server) updateScheduled(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	var body updateScheduledRequest
	if !s.decode(w, r, &body) {
		return
	}
	dto, err := s.scheduled.Update(r.Context(), scheduledjobs.UpdateCommand{
		Customer: customer,
		Name:     chi.URLParam(r, "name"),
		Enabled:  body.Enabled,
		Schedule: body.Schedule,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, dto)
}

func (s *Server) deleteScheduled(w http.ResponseWriter, r *http.Request) {
	customer, ok := s.customer(w, r)
	if !ok {
		return
	}
	if err := s.scheduled.Delete(r.Context(), customer, chi.URLParam(r, "name")); err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"message": "the scheduled job has been removed"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// customer extracts the gateway-asserted identity; requests without it never
// reach a controller.
func (s *Server) customer(w http.ResponseWriter, r *http.Request) (string, bool) {
	customer := r.Header.Get(CustomerHeader)
	if customer == "" {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("the %s header is required", CustomerHeader))
		return "", false
	}
	return customer, true
}

func owner(r *http.Request, customer string) string {
	if user := r.Header.Get(UserHeader); user != "" {
		return user
	}
	return customer
}

// decode unmarshals and validates the request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		respondError(w, http.StatusBadRequest, "the request body is not valid json")
		return false
	}
	if err := s.validate.StructCtx(r.Context(), out); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps controller errors to responses. Anything that is not an APIError
// is an internal failure and is logged, not leaked.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := errors.AsAPIError(err); ok {
		respondError(w, apiErr.HTTPStatus(), apiErr.Message)
		return
	}
	logging.FromContext(r.Context()).Error(err, "handling request", "path", r.URL.Path)
	respondError(w, http.StatusInternalServerError, "internal error")
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"message": message})
}
