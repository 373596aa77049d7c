// Package api serves the custody operations over HTTP. Every body is a
// model.Envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/model"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/token"
)

// MaxBodyBytes bounds request bodies, including uploaded QR images.
const MaxBodyBytes = 4 << 20

type Server struct {
	coord *custody.Coordinator
	refs  schema.ReferenceData
	log   *slog.Logger
}

func New(coord *custody.Coordinator, refs schema.ReferenceData, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{coord: coord, refs: refs, log: log}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/api", func(api chi.Router) {
		api.Post("/harvest/create", s.harvest)

		api.Post("/manufacturing/create", s.createManufacturing)
		api.Put("/manufacturing/{productId}", s.updateManufacturing)

		api.Post("/transportation/create", s.createTransportation)
		api.Put("/transportation/{productId}", s.updateTransportation)
		api.Get("/transportation/{productId}", s.records)

		api.Post("/consumption/{productId}", s.consume)
		api.Get("/consumer/{productId}", s.consumerView)

		api.Get("/products/{productId}/records", s.records)
		api.Get("/products/{productId}/token", s.currentToken)
		api.Get("/products/{productId}/qr", s.qr)

		api.Post("/tokens/resume", s.resume)
		api.Post("/tokens/scan", s.scan)

		api.Post("/records/{recordId}/resubmit", s.resubmit)
		api.Post("/records/resubmit", s.sweep)

		api.Route("/reference", func(ref chi.Router) {
			ref.Get("/forests", s.reference(func(d schema.ReferenceData) []string { return d.Forests }))
			ref.Get("/wood-types", s.reference(func(d schema.ReferenceData) []string { return d.WoodTypes }))
			ref.Get("/certifications", s.reference(func(d schema.ReferenceData) []string { return d.Certifications }))
		})
	})
	return r
}

type ctxKey struct{}

// NewRequestID returns a fresh id of the form req_<uuid>.
func NewRequestID() string { return "req_" + uuid.NewString() }

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDOf(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"request_id", requestIDOf(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, model.Envelope{RequestID: requestIDOf(r), Data: data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	ce := model.FromError(err)
	status := statusFor(ce)
	if status >= 500 {
		s.log.Error("request failed", "request_id", requestIDOf(r), "code", ce.Code, "reason", ce.Reason, "err", err)
	}
	writeJSON(w, status, model.Envelope{RequestID: requestIDOf(r), Error: ce})
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.fail(w, r, model.NewError(model.ErrInvalidRequest, err.Error()))
}

// statusFor maps an error code onto HTTP. Retryable ledger failures are
// 502 so clients can tell them from a declined signature.
func statusFor(ce *model.CodedError) int {
	switch ce.Code {
	case model.ErrInvalidRequest:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrValidationRejected, model.ErrTokenDecodeRejected:
		return http.StatusUnprocessableEntity
	case model.ErrConcurrentTransition:
		return http.StatusConflict
	case model.ErrOffchainWriteFailed:
		return http.StatusServiceUnavailable
	case model.ErrLedgerRejected:
		if ce.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) stageRequest(w http.ResponseWriter, r *http.Request) (model.StageRequest, bool) {
	var req model.StageRequest
	if err := readJSON(w, r, &req); err != nil {
		s.badRequest(w, r, fmt.Errorf("bad json: %w", err))
		return req, false
	}
	if req.Payload == nil {
		s.badRequest(w, r, errors.New("payload is required"))
		return req, false
	}
	return req, true
}

// transition runs op and writes the outcome. A ledger failure after the
// off-chain write still reports the error; the record id travels in it.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, status int, op func(context.Context) (custody.Result, error)) {
	res, err := op(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, status, model.TransitionOf(res))
}

func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.stageRequest(w, r)
	if !ok {
		return
	}
	if req.ProductID != "" {
		s.badRequest(w, r, errors.New("product id is assigned at harvest"))
		return
	}
	s.transition(w, r, http.StatusCreated, func(ctx context.Context) (custody.Result, error) {
		return s.coord.InitiateHarvest(ctx, req.Payload)
	})
}

func (s *Server) createManufacturing(w http.ResponseWriter, r *http.Request) {
	req, ok := s.stageRequest(w, r)
	if !ok {
		return
	}
	s.transition(w, r, http.StatusCreated, func(ctx context.Context) (custody.Result, error) {
		return s.coord.CreateManufacturingRecord(ctx, req.ProductID, req.Payload)
	})
}

func (s *Server) updateManufacturing(w http.ResponseWriter, r *http.Request) {
	req, ok := s.stageRequest(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "productId")
	s.transition(w, r, http.StatusOK, func(ctx context.Context) (custody.Result, error) {
		return s.coord.UpdateManufacturingRecord(ctx, id, req.Payload)
	})
}

func (s *Server) createTransportation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.stageRequest(w, r)
	if !ok {
		return
	}
	s.transition(w, r, http.StatusCreated, func(ctx context.Context) (custody.Result, error) {
		return s.coord.CreateTransportationRecord(ctx, req.ProductID, req.Payload)
	})
}

func (s *Server) updateTransportation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.stageRequest(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "productId")
	s.transition(w, r, http.StatusOK, func(ctx context.Context) (custody.Result, error) {
		return s.coord.UpdateTransportationRecord(ctx, id, req.Payload)
	})
}

func (s *Server) consume(w http.ResponseWriter, r *http.Request) {
	req, ok := s.stageRequest(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "productId")
	s.transition(w, r, http.StatusCreated, func(ctx context.Context) (custody.Result, error) {
		return s.coord.RecordConsumption(ctx, id, req.Payload)
	})
}

func (s *Server) consumerView(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.LookupConsumerView(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, view)
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.LookupConsumerView(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, view.Stages)
}

func (s *Server) currentToken(w http.ResponseWriter, r *http.Request) {
	_, enc, err := s.coord.CurrentToken(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, json.RawMessage(enc))
}

func (s *Server) qr(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "productId")
	size := token.DefaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > 2048 {
			s.badRequest(w, r, fmt.Errorf("size must be between 64 and 2048"))
			return
		}
		size = n
	}
	_, enc, err := s.coord.CurrentToken(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	img, err := token.RenderQRBytes(enc, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("content-type", "image/png")
	w.Header().Set("content-disposition", fmt.Sprintf("attachment; filename=%q", "product-"+id+"-qr.png"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	var req model.ResumeRequest
	if err := readJSON(w, r, &req); err != nil {
		s.badRequest(w, r, fmt.Errorf("bad json: %w", err))
		return
	}
	data := []byte(req.Token)
	// A token may arrive as its JSON text inside a string.
	var text string
	if json.Unmarshal(req.Token, &text) == nil {
		data = []byte(text)
	}
	s.reconcile(w, r, data)
}

// scan accepts a PNG capture of a QR code as the raw request body.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	data, err := token.ExtractQRPNG(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reconcile(w, r, data)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request, data []byte) {
	rep, err := s.coord.Resume(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, rep)
}

func (s *Server) resubmit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.ResubmitLedger(r.Context(), chi.URLParam(r, "recordId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, model.ResubmitResponse{Record: model.RecordOf(rec)})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.badRequest(w, r, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	res, err := s.coord.ResubmitPending(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, res)
}

func (s *Server) reference(pick func(schema.ReferenceData) []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := pick(s.refs)
		if out == nil {
			out = []string{}
		}
		s.ok(w, r, http.StatusOK, out)
	}
}
