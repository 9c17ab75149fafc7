package shipments_api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/michaelmichaeli/mailtrack/internal/services/shipments"
)

// Максимальный размер входящего письма, 2 МБ хватает и на тяжёлый HTML.
const maxEmailBody = 2 << 20

type ShipmentsAPI struct {
	svc *shipments.Service
}

func New(svc *shipments.Service) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc}
}

// Routes навешивает все ручки на роутер.
func (a *ShipmentsAPI) Routes(r chi.Router) {
	r.Post("/v1/ingest/email", a.ingestEmail)
	r.Post("/v1/ingest/email/raw", a.ingestRawEmail)
	r.Post("/v1/ingest/text", a.ingestText)

	r.Post("/v1/packages", a.addPackage)
	r.Get("/v1/packages", a.listPackages)
	r.Get("/v1/packages/{trackingNumber}", a.getPackage)
	r.Get("/v1/packages/{trackingNumber}/events", a.listPackageEvents)
	r.Post("/v1/packages/{trackingNumber}/refresh", a.refreshPackage)

	r.Get("/v1/orders", a.listOrders)
}

type ingestEmailRequest struct {
	UserID  uint64 `json:"userId"`
	HTML    string `json:"html"`
	From    string `json:"from"`
	Subject string `json:"subject"`
}

func (a *ShipmentsAPI) ingestEmail(w http.ResponseWriter, r *http.Request) {
	var req ingestEmailRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEmailBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	res, err := a.svc.IngestEmail(r.Context(), req.UserID, req.HTML, req.From, req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *ShipmentsAPI) ingestRawEmail(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEmailBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	res, err := a.svc.IngestRawEmail(r.Context(), userID, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ingestTextRequest struct {
	UserID uint64 `json:"userId"`
	Text   string `json:"text"`
}

func (a *ShipmentsAPI) ingestText(w http.ResponseWriter, r *http.Request) {
	var req ingestTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	pkgs, err := a.svc.IngestText(r.Context(), req.UserID, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

type addPackageRequest struct {
	UserID         uint64 `json:"userId"`
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier,omitempty"`
}

func (a *ShipmentsAPI) addPackage(w http.ResponseWriter, r *http.Request) {
	var req addPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	pkg, err := a.svc.AddPackage(r.Context(), models.PackageCreateInput{
		UserID:         req.UserID,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (a *ShipmentsAPI) listPackages(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pkgs, err := a.svc.GetPackages(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (a *ShipmentsAPI) getPackage(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := a.svc.GetPackageByTrackingNumber(r.Context(), userID, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (a *ShipmentsAPI) listPackageEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := a.svc.GetPackageByTrackingNumber(r.Context(), userID, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.svc.ListPackageEvents(r.Context(), pkg.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *ShipmentsAPI) refreshPackage(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := a.svc.GetPackageByTrackingNumber(r.Context(), userID, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}

	if err := a.svc.RefreshPackage(r.Context(), pkg.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

func (a *ShipmentsAPI) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := a.svc.ListOrders(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func queryUserID(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("userId")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errInvalidUserID
	}
	return id, nil
}

var errInvalidUserID = &apiError{msg: "userId query param is required"}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
