package main

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
	"github.com/fixmypic/service_layer/internal/journal"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/middleware"
	"github.com/fixmypic/service_layer/internal/pricing"
	"github.com/fixmypic/service_layer/internal/reconcile"
	"github.com/fixmypic/service_layer/internal/service"
)

const maxJSONBody = 64 << 10

// marketplace is the part of the service the HTTP surface drives.
type marketplace interface {
	Price(ctx context.Context, priceMinorUnits uint64) (pricing.Conversion, error)
	Encrypt(plainID string) (string, error)
	Decrypt(ctx context.Context, requester, submission, encryptedID string) (string, error)
	Watermark(r io.Reader) ([]byte, error)
	MintForSubmission(ctx context.Context, buyer, submission, tokenURI string) (*big.Int, error)
	ViewSubmission(ctx context.Context, viewer, id string) (service.SubmissionView, error)
	Purchases(ctx context.Context, buyer string) ([]service.PurchaseView, error)
}

// intents exposes in-flight and journaled writes.
type intents interface {
	Intent(localID string) (*reconcile.Intent, bool)
	Journal() journal.Journal
}

type gateway struct {
	mp                    marketplace
	intents               intents
	log                   *logging.Logger
	allowAssertedIdentity bool
	maxUploadBytes        int64
	startedAt             time.Time
}

// =============================================================================
// Health
// =============================================================================

func (g *gateway) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "gateway",
		"uptime":    time.Since(g.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// Content access
// =============================================================================

// decrypt reveals the original picture identifier to a buyer. A session
// identity always wins over the asserted userAddress.
func (g *gateway) decrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedPictureID string `json:"encryptedPictureId"`
		UserAddress        string `json:"userAddress"`
		SubmissionAddress  string `json:"submissionAddress"`
	}
	if err := httputil.DecodeJSON(r, maxJSONBody, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	requester := middleware.SessionAddress(r.Context())
	if requester == "" {
		if !g.allowAssertedIdentity {
			httputil.WriteError(w, r, svcerrors.Unauthorized("Sign in to decrypt purchased pictures"))
			return
		}
		requester = strings.TrimSpace(req.UserAddress)
	}
	if req.EncryptedPictureID == "" || requester == "" || req.SubmissionAddress == "" {
		httputil.WriteError(w, r, svcerrors.Validation("Encrypted Picture ID, User Address, and Submission Address are required"))
		return
	}

	plain, err := g.mp.Decrypt(r.Context(), requester, req.SubmissionAddress, req.EncryptedPictureID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"decryptedImageId": plain})
}

func (g *gateway) encrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PictureID string `json:"pictureId"`
	}
	if err := httputil.DecodeJSON(r, maxJSONBody, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	encrypted, err := g.mp.Encrypt(req.PictureID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"encryptedPictureId": encrypted})
}

func (g *gateway) mint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionAddress string `json:"submissionAddress"`
		TokenURI          string `json:"tokenURI"`
	}
	if err := httputil.DecodeJSON(r, maxJSONBody, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.SubmissionAddress == "" || req.TokenURI == "" {
		httputil.WriteError(w, r, svcerrors.Validation("Submission Address and Token URI are required"))
		return
	}

	buyer := middleware.SessionAddress(r.Context())
	tokenID, err := g.mp.MintForSubmission(r.Context(), buyer, req.SubmissionAddress, req.TokenURI)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"tokenId": tokenID.String()})
}

// watermark stamps the uploaded "file" part and returns the PNG.
func (g *gateway) watermark(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.maxUploadBytes)
	if err := r.ParseMultipartForm(g.maxUploadBytes); err != nil {
		httputil.WriteError(w, r, svcerrors.Validation("File not found or too large"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, r, svcerrors.Validation("File not found"))
		return
	}
	defer file.Close()

	out, err := g.mp.Watermark(file)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	name := strings.TrimSuffix(header.Filename, ".png")
	if name == "" {
		name = "picture"
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name+".png"))
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// =============================================================================
// Pricing and reads
// =============================================================================

func (g *gateway) price(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("cents")
	cents, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		httputil.WriteError(w, r, svcerrors.Validation("cents must be a non-negative integer"))
		return
	}
	conv, err := g.mp.Price(r.Context(), cents)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cents":        conv.PriceMinorUnits,
		"rate":         conv.Rate.String(),
		"rateDecimals": conv.Rate.Decimals,
		"wei":          conv.NativeUnits.String(),
		"fetchedAt":    conv.FetchedAt.UTC(),
	})
}

func (g *gateway) submission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := g.mp.ViewSubmission(r.Context(), middleware.SessionAddress(r.Context()), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	item := view.Item
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":          item.ID,
		"requestId":   item.RequestID,
		"creator":     item.Creator,
		"description": item.Description,
		"price":       item.PriceMinorUnits,
		"free":        item.PriceMinorUnits == 0,
		"kind":        item.Kind,
		"purchases":   len(item.Purchases),
		"createdAt":   item.CreatedAt,
		"imageId":     view.ImageID,
		"imageUrl":    view.ImageURL,
		"unlocked":    view.Unlocked,
	})
}

func (g *gateway) purchases(w http.ResponseWriter, r *http.Request) {
	views, err := g.mp.Purchases(r.Context(), middleware.SessionAddress(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"purchases": views})
}

// =============================================================================
// Write intents
// =============================================================================

func (g *gateway) intent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if in, ok := g.intents.Intent(id); ok {
		writeSnapshot(w, in.Snapshot())
		return
	}
	entries, err := g.intents.Journal().List(r.Context(), journal.Filter{})
	if err != nil {
		httputil.WriteError(w, r, svcerrors.Unavailable("journal unavailable", err))
		return
	}
	for _, e := range entries {
		if e.LocalID == id {
			httputil.WriteJSON(w, http.StatusOK, e)
			return
		}
	}
	httputil.WriteError(w, r, svcerrors.NotFound("intent"))
}

func (g *gateway) listIntents(w http.ResponseWriter, r *http.Request) {
	filter := journal.Filter{Status: r.URL.Query().Get("status")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httputil.WriteError(w, r, svcerrors.Validation("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	entries, err := g.intents.Journal().List(r.Context(), filter)
	if err != nil {
		g.log.WithContext(r.Context()).WithError(err).Warn("list journal")
		httputil.WriteError(w, r, svcerrors.Unavailable("journal unavailable", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"intents": entries})
}

func writeSnapshot(w http.ResponseWriter, s reconcile.Snapshot) {
	body := map[string]interface{}{
		"localId":         s.LocalID,
		"kind":            s.Kind,
		"status":          s.Status,
		"txHash":          s.TxHash,
		"authoritativeId": s.AuthoritativeID,
		"startedAt":       s.StartedAt,
	}
	if !s.FinishedAt.IsZero() {
		body["finishedAt"] = s.FinishedAt
	}
	if s.Err != nil {
		body["errorKind"] = s.ErrorKind()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
