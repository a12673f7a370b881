package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BearBump/TrackLedger/config"
	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/importjobs"
	"github.com/BearBump/TrackLedger/internal/services/projections"
	"github.com/BearBump/TrackLedger/internal/services/reconcile"
	"github.com/BearBump/TrackLedger/internal/services/resolver"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type jobsRunner interface {
	Trigger()
	Stats() importjobs.Stats
	GetJob(ctx context.Context, id uuid.UUID) (*models.UploadJob, error)
	RetryJob(ctx context.Context, id uuid.UUID) error
	EnqueueLine(ctx context.Context, line messages.LineReconcile) error
	ReconcilePasted(ctx context.Context, sellerID, text, state string, at time.Time) (reconcile.Result, error)
}

type projectionRefresher interface {
	Refresh(ctx context.Context) error
	Stats() projections.Stats
}

type shipmentResolver interface {
	Resolve(ctx context.Context, queries []string) ([]resolver.Match, error)
	ResolveBuyer(ctx context.Context, buyerID string) ([]resolver.BuyerShipment, error)
}

type interestRegistrar interface {
	Register(ctx context.Context, buyerID string, items []models.InterestInput) ([]*models.BuyerInterest, error)
	List(ctx context.Context, buyerID string) ([]*models.BuyerInterest, error)
}

type uploadCreator interface {
	CreateUploadJob(ctx context.Context, in models.UploadJobInput) (*models.UploadJob, error)
}

type shipmentReader interface {
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	ListShipmentsByTracking(ctx context.Context, trackingNumber string) ([]*models.Shipment, error)
}

type shipmentView struct {
	*models.Shipment
	State *models.StateEntry `json:"state,omitempty"`
}

func viewOf(s *models.Shipment) shipmentView {
	v := shipmentView{Shipment: s}
	if st, ok := s.DerivedState(); ok {
		v.State = &st
	}
	return v
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	runner    jobsRunner
	projector projectionRefresher
	resolver  shipmentResolver
	interests interestRegistrar
	uploads   uploadCreator
	shipments shipmentReader
	ready     func(ctx context.Context) error
	metrics   http.Handler
	cfg       *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if opts.runner != nil {
			out["runner"] = opts.runner.Stats()
		}
		if opts.projector != nil {
			out["projections"] = opts.projector.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "config not wired"})
			return
		}
		// Operational settings only, no credentials.
		lc := opts.cfg.Ledger
		writeJSON(w, http.StatusOK, map[string]any{
			"masterSellerId":           lc.MasterSellerID,
			"chunkSize":                lc.ChunkSize,
			"minTrackingLength":        lc.MinTrackingLength,
			"projectionRefreshSeconds": lc.ProjectionRefreshSeconds,
			"runnerTickSeconds":        lc.RunnerTickSeconds,
			"jobMaxRetries":            lc.JobMaxRetries,
			"interestQuota":            lc.InterestQuota,
			"lineRateLimitPerMinute":   lc.LineRateLimitPerMinute,
			"resolveCacheTTLSeconds":   lc.ResolveCacheTTLSeconds,
			"jobsTopic":                jobsTopic(opts.cfg),
			"notifyTopic":              opts.cfg.Kafka.NotifyTopicName,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.runner == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "runner not wired"})
			return
		}
		opts.runner.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := opts.projector.Refresh(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
	})

	r.Post("/uploads", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileID      string `json:"fileId"`
			FileName    string `json:"fileName"`
			TargetState string `json:"targetState"`
			SellerID    string `json:"sellerId"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.FileID) == "" {
			writeError(w, errors.Wrap(models.ErrInvalidInput, "fileId is required"))
			return
		}
		if !models.IsKnownState(req.TargetState) {
			writeError(w, errors.Wrapf(models.ErrUnknownState, "state %q", req.TargetState))
			return
		}
		job, err := opts.uploads.CreateUploadJob(r.Context(), models.UploadJobInput{
			FileID:      req.FileID,
			FileName:    req.FileName,
			TargetState: req.TargetState,
			SellerID:    req.SellerID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		opts.runner.Trigger()
		writeJSON(w, http.StatusAccepted, job)
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		job, err := opts.runner.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})
	r.Post("/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		if err := opts.runner.RetryJob(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"retried": true})
	})

	r.Post("/lines", func(w http.ResponseWriter, r *http.Request) {
		var line messages.LineReconcile
		if !decodeBody(w, r, &line) {
			return
		}
		if err := opts.runner.EnqueueLine(r.Context(), line); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
	})
	r.Post("/pasted", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SellerID string    `json:"sellerId"`
			Text     string    `json:"text"`
			State    string    `json:"state"`
			At       time.Time `json:"at"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := opts.runner.ReconcilePasted(r.Context(), req.SellerID, req.Text, req.State, req.At)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/shipments/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		sh, err := opts.shipments.GetShipment(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if sh == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "shipment not found"})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(sh))
	})
	r.Get("/shipments", func(w http.ResponseWriter, r *http.Request) {
		tn := strings.TrimSpace(r.URL.Query().Get("tracking"))
		if tn == "" {
			writeError(w, errors.Wrap(models.ErrInvalidInput, "tracking is required"))
			return
		}
		list, err := opts.shipments.ListShipmentsByTracking(r.Context(), tn)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]shipmentView, 0, len(list))
		for _, sh := range list {
			out = append(out, viewOf(sh))
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/resolve", func(w http.ResponseWriter, r *http.Request) {
		queries := r.URL.Query()["q"]
		if len(queries) == 0 {
			writeError(w, errors.Wrap(models.ErrInvalidInput, "at least one q is required"))
			return
		}
		matches, err := opts.resolver.Resolve(r.Context(), queries)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, matches)
	})

	r.Route("/buyers/{buyerID}", func(r chi.Router) {
		r.Post("/interests", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Items []struct {
					TrackingNumber   string `json:"trackingNumber"`
					Note             string `json:"note"`
					PackingRequested bool   `json:"packingRequested"`
				} `json:"items"`
			}
			if !decodeBody(w, r, &req) {
				return
			}
			items := make([]models.InterestInput, 0, len(req.Items))
			for _, it := range req.Items {
				items = append(items, models.InterestInput{
					TrackingNumber:   it.TrackingNumber,
					Note:             it.Note,
					PackingRequested: it.PackingRequested,
				})
			}
			out, err := opts.interests.Register(r.Context(), chi.URLParam(r, "buyerID"), items)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/interests", func(w http.ResponseWriter, r *http.Request) {
			out, err := opts.interests.List(r.Context(), chi.URLParam(r, "buyerID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/shipments", func(w http.ResponseWriter, r *http.Request) {
			out, err := opts.resolver.ResolveBuyer(r.Context(), chi.URLParam(r, "buyerID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		})
	})

	if opts.metrics != nil {
		r.Handle("/metrics", opts.metrics)
	}

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, errors.Wrap(models.ErrInvalidInput, err.Error()))
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, errors.Wrap(models.ErrInvalidInput, "bad id"))
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrUnknownState),
		errors.Is(err, models.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("worker http", "error", err.Error())
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
