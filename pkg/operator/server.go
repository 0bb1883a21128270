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

package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/metrics"
	"github.com/vigilsec/vigil/pkg/operator/options"
	"github.com/vigilsec/vigil/pkg/service"
)

// maxBodyBytes caps API request bodies. The largest legitimate payload is an
// event batch envelope, far below this.
const maxBodyBytes = 1 << 20

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests served, by method and status code.",
		},
		[]string{"method", "status"},
	)
	apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling API requests.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{"method"},
	)
)

func init() {
	metrics.Registry.MustRegister(apiRequests, apiDuration)
}

// Start runs the API, probe and metrics listeners, the event pump, the
// scheduler and the storage watchdog until the context ends, then drains
// them all. The first failure comes back as the error and cancels the rest;
// a clean shutdown returns nil.
func (o *Operator) Start(ctx context.Context) error {
	opts := options.FromContext(ctx)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return o.Scheduler.Run(ctx)
	})
	group.Go(func() error {
		return o.StorageWatchdog.Run(ctx)
	})
	if o.EventPump != nil {
		group.Go(func() error {
			return o.pumpEvents(ctx)
		})
	}
	group.Go(func() error {
		return serve(ctx, &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.APIPort),
			Handler:           NewAPIHandler(ctx, o.Service, opts.RequestTimeout),
			ReadHeaderTimeout: 5 * time.Second,
		})
	})
	group.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		return serve(ctx, &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	})
	group.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", probe)
		mux.HandleFunc("/readyz", probe)
		return serve(ctx, &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.HealthProbePort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	})
	return group.Wait()
}

// pumpEvents long-polls the event queue until the context ends. Queue
// failures back off briefly so a misconfigured queue cannot spin the loop.
func (o *Operator) pumpEvents(ctx context.Context) error {
	log := logging.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := o.EventPump.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("polling event queue: %s", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// serve runs one listener and shuts it down cleanly when the context ends.
// In-flight requests get ten seconds to finish.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func probe(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// NewAPIHandler binds the transport-agnostic service onto net/http, so a
// deployment can also mount the API behind its own middleware. The handler
// owns only transport concerns: the body cap, the per-request deadline,
// trace propagation and JSON encoding of whatever the service returns.
// Request contexts derive from the connection, not the base context, so
// shutdown lets in-flight calls finish instead of cancelling them.
func NewAPIHandler(base context.Context, svc *service.Service, timeout time.Duration) http.Handler {
	log := logging.FromContext(base)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(logging.WithLogger(r.Context(), log), timeout)
		defer cancel()

		req := &service.Request{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.Query(),
			TraceID: r.Header.Get("X-Trace-Id"),
		}

		var resp service.Response
		switch body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1)); {
		case err != nil:
			resp = refuse(req, http.StatusBadRequest, "reading request body")
		case len(body) > maxBodyBytes:
			resp = refuse(req, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		default:
			req.Body = body
			resp, _ = svc.Handle(ctx, req)
		}

		apiRequests.WithLabelValues(r.Method, strconv.Itoa(resp.Status)).Inc()
		apiDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Trace-Id", req.TraceID)
		w.WriteHeader(resp.Status)
		if err := json.NewEncoder(w).Encode(resp.Body); err != nil {
			log.Errorf("writing response for %s %s: %s", r.Method, r.URL.Path, err)
		}
	})
}

// refuse shapes a transport-level failure in the same envelope the service
// uses, so clients see one error contract regardless of where a request died.
func refuse(req *service.Request, status int, message string) service.Response {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	return service.Response{Status: status, Body: service.ErrorBody{
		Errors:  []service.ErrorEntry{{Message: message}},
		TraceID: req.TraceID,
	}}
}
