package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/api/middleware"
	"github.com/router-for-me/KiroGateAPI/internal/store"
)

// CustomAPIsHandler serves CRUD for user-supplied upstream API accounts.
type CustomAPIsHandler struct {
	store *store.Store
}

// NewCustomAPIsHandler creates a custom-API accounts handler.
func NewCustomAPIsHandler(s *store.Store) *CustomAPIsHandler {
	return &CustomAPIsHandler{store: s}
}

type createAccountRequest struct {
	Name     string `json:"name"`
	APIBase  string `json:"api_base"`
	APIKey   string `json:"api_key"`
	Format   string `json:"format"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// updateAccountRequest distinguishes omitted fields from empty ones; an
// empty api_key on update retains the stored ciphertext.
type updateAccountRequest struct {
	Name     *string `json:"name"`
	APIBase  *string `json:"api_base"`
	APIKey   *string `json:"api_key"`
	Format   *string `json:"format"`
	Provider *string `json:"provider"`
	Model    *string `json:"model"`
	Status   *string `json:"status"`
}

func (r *updateAccountRequest) patch() store.CustomAccountPatch {
	return store.CustomAccountPatch{
		Name:     r.Name,
		APIBase:  r.APIBase,
		APIKey:   r.APIKey,
		Format:   r.Format,
		Provider: r.Provider,
		Model:    r.Model,
		Status:   r.Status,
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// List handles GET /user/api/custom-apis.
func (h *CustomAPIsHandler) List(c *gin.Context) {
	userID := middleware.UserID(c)
	accounts, err := h.store.ListCustomAccountsByUser(c.Request.Context(), userID)
	if err != nil {
		log.Errorf("custom-apis: list for user %d: %v", userID, err)
		writeError(c, http.StatusInternalServerError, "Failed to list accounts.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// Create handles POST /user/api/custom-apis.
func (h *CustomAPIsHandler) Create(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Request body must be valid JSON.")
		return
	}

	userID := middleware.UserID(c)
	account, err := h.store.CreateCustomAccount(c.Request.Context(), store.CreateCustomAccountParams{
		UserID:   userID,
		Name:     req.Name,
		APIBase:  req.APIBase,
		APIKey:   req.APIKey,
		Format:   store.AccountFormat(req.Format),
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		var validationErr *store.ValidationError
		if errors.As(err, &validationErr) {
			writeError(c, http.StatusUnprocessableEntity, validationErr.Error())
			return
		}
		log.Errorf("custom-apis: create for user %d: %v", userID, err)
		writeError(c, http.StatusInternalServerError, "Failed to store account.")
		return
	}

	log.Infof("custom-apis: user %d registered account %d (%s)", userID, account.ID, account.Format)
	c.JSON(http.StatusCreated, gin.H{"account": account})
}

// Update handles PUT /user/api/custom-apis/:id.
func (h *CustomAPIsHandler) Update(c *gin.Context) {
	h.update(c, false)
}

// SetStatus handles PATCH /user/api/custom-apis/:id/status.
func (h *CustomAPIsHandler) SetStatus(c *gin.Context) {
	h.setStatus(c, false)
}

// Delete handles DELETE /user/api/custom-apis/:id.
func (h *CustomAPIsHandler) Delete(c *gin.Context) {
	h.delete(c, false)
}

// AdminList handles GET /admin/api/custom-apis.
func (h *CustomAPIsHandler) AdminList(c *gin.Context) {
	accounts, err := h.store.AdminListCustomAccounts(c.Request.Context())
	if err != nil {
		log.Errorf("custom-apis: admin list: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to list accounts.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// AdminUpdate handles PUT /admin/api/custom-apis/:id.
func (h *CustomAPIsHandler) AdminUpdate(c *gin.Context) {
	h.update(c, true)
}

// AdminSetStatus handles PATCH /admin/api/custom-apis/:id/status.
func (h *CustomAPIsHandler) AdminSetStatus(c *gin.Context) {
	h.setStatus(c, true)
}

// AdminDelete handles DELETE /admin/api/custom-apis/:id.
func (h *CustomAPIsHandler) AdminDelete(c *gin.Context) {
	h.delete(c, true)
}

func (h *CustomAPIsHandler) update(c *gin.Context, admin bool) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "Account id must be numeric.")
		return
	}
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Request body must be valid JSON.")
		return
	}

	var (
		updated bool
		err     error
	)
	if admin {
		updated, err = h.store.AdminUpdateCustomAccount(c.Request.Context(), id, req.patch())
	} else {
		updated, err = h.store.UpdateCustomAccount(c.Request.Context(), id, middleware.UserID(c), req.patch())
	}
	if err != nil {
		var validationErr *store.ValidationError
		if errors.As(err, &validationErr) {
			writeError(c, http.StatusUnprocessableEntity, validationErr.Error())
			return
		}
		log.Errorf("custom-apis: update %d: %v", id, err)
		writeError(c, http.StatusInternalServerError, "Failed to update account.")
		return
	}
	if !updated {
		writeError(c, http.StatusNotFound, "Account not found.")
		return
	}

	account, err := h.reload(c, id, admin)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load account.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

func (h *CustomAPIsHandler) setStatus(c *gin.Context, admin bool) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "Account id must be numeric.")
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Request body must be valid JSON.")
		return
	}

	var (
		updated bool
		err     error
	)
	if admin {
		updated, err = h.store.AdminSetCustomAccountStatus(c.Request.Context(), id, store.AccountStatus(req.Status))
	} else {
		updated, err = h.store.SetCustomAccountStatus(c.Request.Context(), id, middleware.UserID(c), store.AccountStatus(req.Status))
	}
	if err != nil {
		var validationErr *store.ValidationError
		if errors.As(err, &validationErr) {
			writeError(c, http.StatusUnprocessableEntity, validationErr.Error())
			return
		}
		log.Errorf("custom-apis: set status %d: %v", id, err)
		writeError(c, http.StatusInternalServerError, "Failed to update account.")
		return
	}
	if !updated {
		writeError(c, http.StatusNotFound, "Account not found.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

func (h *CustomAPIsHandler) delete(c *gin.Context, admin bool) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "Account id must be numeric.")
		return
	}

	var (
		deleted bool
		err     error
	)
	if admin {
		deleted, err = h.store.AdminDeleteCustomAccount(c.Request.Context(), id)
	} else {
		deleted, err = h.store.DeleteCustomAccount(c.Request.Context(), id, middleware.UserID(c))
	}
	if err != nil {
		log.Errorf("custom-apis: delete %d: %v", id, err)
		writeError(c, http.StatusInternalServerError, "Failed to delete account.")
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "Account not found.")
		return
	}
	log.Infof("custom-apis: account %d deleted", id)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *CustomAPIsHandler) reload(c *gin.Context, id int64, admin bool) (*store.CustomAccount, error) {
	if admin {
		return h.store.AdminGetCustomAccount(c.Request.Context(), id)
	}
	return h.store.GetCustomAccount(c.Request.Context(), id, middleware.UserID(c))
}
