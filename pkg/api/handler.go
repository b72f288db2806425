package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/subtrack/internal/httputil"
	"github.com/mihaimyh/subtrack/pkg/billing"
)

// Routes builds the chi router for the REST surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationID)

	r.Get("/healthz", h.health)
	if h.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.config.Metrics)
	}

	r.Get("/plans", h.listPlans)
	r.Get("/plans/{idOrSlug}", h.getPlan)

	r.With(httputil.RateLimit(h.config.WebhookLimiter, http.HandlerFunc(rateLimited), h.logger)).
		Post("/webhooks/processor", h.processorWebhook)

	r.Group(func(r chi.Router) {
		r.Use(RequireIdentity)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", h.getSubscription)
			r.Post("/", h.createSubscription)
			r.Post("/sync", h.syncSubscription)
			r.Post("/change", h.changePlan)
			r.Post("/cancel", h.cancelSubscription)
			r.Get("/usage", h.usage)
		})

		r.Get("/invoices", h.listInvoices)
		r.Get("/invoices/{id}", h.getInvoice)

		r.Route("/payment-methods", func(r chi.Router) {
			r.Get("/", h.listPaymentMethods)
			r.Post("/", h.addPaymentMethod)
			r.Post("/{id}/default", h.setDefaultPaymentMethod)
			r.Delete("/{id}", h.removePaymentMethod)
		})
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.config.Health != nil {
		if err := h.config.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", billing.Err(err))
			_ = httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.config.Catalog.List(r.Context(), true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, plans)
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.config.Catalog.Resolve(r.Context(), chi.URLParam(r, "idOrSlug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, plan)
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	view, err := h.config.Service.Get(r.Context(), identity(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	res, err := h.config.Service.Create(r.Context(), identity(r), req.PlanID, billing.BillingCycle(req.BillingCycle))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) syncSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.config.Service.Sync(r.Context(), identity(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sub)
}

func (h *Handler) changePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	res, err := h.config.Service.ChangePlan(r.Context(), identity(r), req.PlanID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	sub, err := h.config.Service.Cancel(r.Context(), identity(r), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sub)
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	report, err := h.config.Service.Usage(r.Context(), identity(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := h.config.Service.ListInvoices(r.Context(), identity(r), page, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.config.Service.GetInvoice(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, inv)
}

func (h *Handler) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.config.Service.ListPaymentMethods(r.Context(), identity(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, methods)
}

func (h *Handler) addPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req addPaymentMethodRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	pm, err := h.config.Service.AddPaymentMethod(r.Context(), identity(r), req.PaymentMethodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, pm)
}

func (h *Handler) setDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	pm, err := h.config.Service.SetDefaultPaymentMethod(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pm)
}

func (h *Handler) removePaymentMethod(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Service.RemovePaymentMethod(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (h *Handler) processorWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payload, err := httputil.ReadBodyStrict(w, r, h.config.WebhookBodyLimit)
	if err != nil {
		h.logger.Warn("rejected webhook body", billing.F("ip", httputil.GetClientIP(r)), billing.Err(err))
		status := http.StatusBadRequest
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeErrorStatus(w, status, billing.CodeValidation, err.Error())
		return
	}

	if err := h.config.Service.HandleProcessorWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debug("processor webhook accepted", billing.F("duration_ms", time.Since(start).Milliseconds()))
	_ = httputil.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
}

// decode reads a JSON request body. When optional is set an empty body leaves
// v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	err := httputil.DecodeJSON(w, r, defaultJSONBodyLimit, v)
	if err == nil || (optional && errors.Is(err, httputil.ErrEmptyBody)) {
		return true
	}
	writeErrorStatus(w, http.StatusBadRequest, billing.CodeValidation, err.Error())
	return false
}

// fail converts err into the error envelope. Internal and processor failures
// are logged and reported without their cause.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := billing.Classify(err)
	if e.Kind == billing.KindInternal || e.Kind == billing.KindProcessor {
		h.logger.Error("request failed",
			billing.F("method", r.Method), billing.F("path", r.URL.Path), billing.Err(err))
	}
	writeError(w, e)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	_ = httputil.WriteJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, e *billing.Error) {
	writeErrorStatus(w, e.HTTPStatus(), e.Code, e.Message)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	_ = httputil.WriteJSON(w, status, envelope{Error: &apiError{Code: code, Message: message}})
}

func rateLimited(w http.ResponseWriter, _ *http.Request) {
	writeErrorStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
}
