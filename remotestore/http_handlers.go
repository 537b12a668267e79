// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package remotestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/thehappyman7/Grocery-Buddy-sub000/localsync"
)

// RowStore is what the handlers need from the persistence layer; *Store
// implements it, tests substitute a fake.
type RowStore interface {
	UpsertGrocery(ctx context.Context, row localsync.GroceryRow) error
	SelectGrocery(ctx context.Context, userID string, includeDeleted bool) ([]localsync.GroceryRow, error)
	UpsertPantry(ctx context.Context, row localsync.PantryRow) error
	SelectPantry(ctx context.Context, userID string, includeDeleted bool) ([]localsync.PantryRow, error)
	UpsertRecipe(ctx context.Context, row localsync.RecipeRow) error
	SelectRecipes(ctx context.Context, userID string, includeDeleted bool) ([]localsync.RecipeRow, error)
}

// Handlers exposes the row-store contract over HTTP: upsert-by-key and
// user-scoped select per table, plus the websocket change feed.
type Handlers struct {
	store    RowStore
	auth     *Auth
	hub      *Hub
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the REST surface.
func NewHandlers(store RowStore, auth *Auth, hub *Hub, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		auth:     auth,
		hub:      hub,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes registers all endpoints. The change feed route must precede the
// {table} routes or mux would capture "changes" as a table name.
func (h *Handlers) Routes(r *mux.Router) {
	r.HandleFunc("/v1/changes/ws", h.handleChanges).Methods(http.MethodGet)
	r.HandleFunc("/v1/{table}", h.handleSelect).Methods(http.MethodGet)
	r.HandleFunc("/v1/{table}", h.handleUpsert).Methods(http.MethodPost)
}

// groceryUpsertRequest is the wire shape of a grocery row write. user_id is
// never taken from the body; the token decides.
type groceryUpsertRequest struct {
	DeviceID  string    `json:"device_id" validate:"required"`
	LocalID   int64     `json:"local_id" validate:"required,min=1"`
	Name      string    `json:"name" validate:"required"`
	Category  string    `json:"category"`
	Selected  bool      `json:"selected"`
	Quantity  string    `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at" validate:"required"`
	IsDeleted bool      `json:"is_deleted"`
}

type pantryUpsertRequest struct {
	DeviceID   string     `json:"device_id" validate:"required"`
	Name       string     `json:"name" validate:"required"`
	Category   string     `json:"category"`
	Quantity   string     `json:"quantity"`
	ExpiryDate *time.Time `json:"expiry_date"`
	UpdatedAt  time.Time  `json:"updated_at" validate:"required"`
	IsDeleted  bool       `json:"is_deleted"`
}

type recipeUpsertRequest struct {
	DeviceID   string          `json:"device_id" validate:"required"`
	RecipeID   string          `json:"recipe_id" validate:"required"`
	RecipeName string          `json:"recipe_name"`
	RecipeData json.RawMessage `json:"recipe_data"`
	IsCustom   bool            `json:"is_custom"`
	SavedAt    time.Time       `json:"saved_at"`
	UpdatedAt  time.Time       `json:"updated_at" validate:"required"`
	IsDeleted  bool            `json:"is_deleted"`
}

func (h *Handlers) handleUpsert(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.FromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	table := mux.Vars(r)["table"]

	var broadcastDevice string
	switch table {
	case localsync.TableGrocery:
		var req groceryUpsertRequest
		if !h.decodeAndValidate(w, r, &req) {
			return
		}
		row := localsync.GroceryRow{
			UserID:    claims.Subject,
			DeviceID:  req.DeviceID,
			LocalID:   req.LocalID,
			Name:      req.Name,
			Category:  req.Category,
			Selected:  req.Selected,
			Quantity:  req.Quantity,
			UpdatedAt: req.UpdatedAt,
			IsDeleted: req.IsDeleted,
		}
		if err := h.store.UpsertGrocery(r.Context(), row); err != nil {
			h.logger.Error("grocery upsert failed", "user", claims.Subject, "error", err)
			h.writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
		broadcastDevice = req.DeviceID

	case localsync.TablePantry:
		var req pantryUpsertRequest
		if !h.decodeAndValidate(w, r, &req) {
			return
		}
		row := localsync.PantryRow{
			UserID:     claims.Subject,
			DeviceID:   req.DeviceID,
			Name:       req.Name,
			Category:   req.Category,
			Quantity:   req.Quantity,
			ExpiryDate: req.ExpiryDate,
			UpdatedAt:  req.UpdatedAt,
			IsDeleted:  req.IsDeleted,
		}
		if err := h.store.UpsertPantry(r.Context(), row); err != nil {
			h.logger.Error("pantry upsert failed", "user", claims.Subject, "error", err)
			h.writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
		broadcastDevice = req.DeviceID

	case localsync.TableRecipes:
		var req recipeUpsertRequest
		if !h.decodeAndValidate(w, r, &req) {
			return
		}
		row := localsync.RecipeRow{
			UserID:     claims.Subject,
			DeviceID:   req.DeviceID,
			RecipeID:   req.RecipeID,
			RecipeName: req.RecipeName,
			RecipeData: req.RecipeData,
			IsCustom:   req.IsCustom,
			SavedAt:    req.SavedAt,
			UpdatedAt:  req.UpdatedAt,
			IsDeleted:  req.IsDeleted,
		}
		if err := h.store.UpsertRecipe(r.Context(), row); err != nil {
			h.logger.Error("recipe upsert failed", "user", claims.Subject, "error", err)
			h.writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
		broadcastDevice = req.DeviceID

	default:
		h.writeError(w, http.StatusNotFound, "unknown table")
		return
	}

	h.hub.Broadcast(claims.Subject, table, broadcastDevice)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleSelect(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.FromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	table := mux.Vars(r)["table"]
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	var rows any
	switch table {
	case localsync.TableGrocery:
		rows, err = h.store.SelectGrocery(r.Context(), claims.Subject, includeDeleted)
	case localsync.TablePantry:
		rows, err = h.store.SelectPantry(r.Context(), claims.Subject, includeDeleted)
	case localsync.TableRecipes:
		rows, err = h.store.SelectRecipes(r.Context(), claims.Subject, includeDeleted)
	default:
		h.writeError(w, http.StatusNotFound, "unknown table")
		return
	}
	if err != nil {
		h.logger.Error("select failed", "table", table, "user", claims.Subject, "error", err)
		h.writeError(w, http.StatusInternalServerError, "select failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handlers) handleChanges(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.FromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.hub.Register(claims.Subject, claims.DeviceID, conn)
}

func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
