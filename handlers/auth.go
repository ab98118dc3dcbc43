package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"scuffedchat/apperr"
	"scuffedchat/auth"
	"scuffedchat/database"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

const defaultStatus = "Hey there! I am using Chat App."

type sendOTPRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Username string `json:"username"`
	Password string `json:"password"`
	OTP      string `json:"otp"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
}

// AuthHandler serves account registration, login and profile
type AuthHandler struct {
	store      *database.Store
	tokens     *auth.TokenService
	otp        auth.OTPStore
	sender     auth.OTPSender
	requireOTP bool
	logger     *zap.Logger
}

// NewAuthHandler creates the handler. otp may be nil, in which case codes
// are neither issued nor required.
func NewAuthHandler(store *database.Store, tokens *auth.TokenService, otp auth.OTPStore, sender auth.OTPSender, requireOTP bool, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		store:      store,
		tokens:     tokens,
		otp:        otp,
		sender:     sender,
		requireOTP: requireOTP && otp != nil,
		logger:     logger.Named("auth"),
	}
}

// identifier picks exactly one of email or phone. Emails are lower-cased.
func identifier(email, phone string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	phone = strings.TrimSpace(phone)
	switch {
	case email != "" && phone != "":
		return "", "", apperr.New(apperr.KindInvalidInput, "Provide either email or phone, not both")
	case email != "":
		if !strings.Contains(email, "@") {
			return "", "", apperr.New(apperr.KindInvalidInput, "Invalid email address")
		}
		return email, "", nil
	case phone != "":
		return "", phone, nil
	default:
		return "", "", apperr.New(apperr.KindInvalidInput, "Email or phone is required")
	}
}

func (h *AuthHandler) identifierTaken(ctx context.Context, email, phone string) error {
	var err error
	if email != "" {
		_, err = h.store.GetUserByEmail(ctx, email)
	} else {
		_, err = h.store.GetUserByPhone(ctx, phone)
	}
	switch {
	case err == nil:
		return apperr.ErrIdentifierTaken
	case apperr.Is(err, apperr.KindNotFound):
		return nil
	default:
		return err
	}
}

// SendOTP issues a registration code for an email or phone
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	email, phone, err := identifier(req.Email, req.Phone)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.identifierTaken(r.Context(), email, phone); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.otp != nil {
		id := email + phone
		code, err := auth.GenerateOTP()
		if err != nil {
			writeError(w, h.logger, apperr.ErrInternal.Wrap(err))
			return
		}
		if err := h.otp.Save(r.Context(), id, code); err != nil {
			writeError(w, h.logger, err)
			return
		}
		if err := h.sender.Send(r.Context(), id, code); err != nil {
			h.logger.Error("Failed to send OTP", zap.String("identifier", id), zap.Error(err))
			writeErrorMessage(w, http.StatusInternalServerError, "Failed to send OTP")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent successfully"})
}

// Register creates an account and returns a token for it
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	email, phone, err := identifier(req.Email, req.Phone)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 20 {
		writeErrorMessage(w, http.StatusBadRequest, "Username must be 3-20 characters")
		return
	}
	if len(req.Password) < 6 {
		writeErrorMessage(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	if err := h.identifierTaken(ctx, email, phone); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if _, err := h.store.GetUserByUsername(ctx, req.Username); err == nil {
		writeError(w, h.logger, apperr.ErrUsernameTaken)
		return
	} else if !apperr.Is(err, apperr.KindNotFound) {
		writeError(w, h.logger, err)
		return
	}

	id := email + phone
	if h.requireOTP {
		if err := h.otp.Verify(ctx, id, strings.TrimSpace(req.OTP)); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, h.logger, apperr.ErrInternal.Wrap(err))
		return
	}

	user := &models.User{
		Username: req.Username,
		Email:    email,
		Phone:    phone,
		Password: hashed,
		Status:   defaultStatus,
	}
	if err := h.store.CreateUser(ctx, user); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.otp != nil {
		if err := h.otp.Delete(ctx, id); err != nil {
			h.logger.Warn("Failed to delete OTP", zap.String("identifier", id), zap.Error(err))
		}
	}

	h.respondWithToken(w, user, "Registration successful")
}

// Login authenticates with an email, phone or username and a password
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	id := strings.TrimSpace(req.Identifier)
	if id == "" {
		id = strings.TrimSpace(req.Email + req.Phone)
	}
	if id == "" || req.Password == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Identifier and password are required")
		return
	}

	user, err := h.store.FindByIdentifier(r.Context(), id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			writeErrorMessage(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeError(w, h.logger, err)
		return
	}

	if !auth.CheckPassword(user.Password, req.Password) {
		writeErrorMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.respondWithToken(w, user, "Login successful")
}

func (h *AuthHandler) respondWithToken(w http.ResponseWriter, user *models.User, message string) {
	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, h.logger, apperr.ErrInternal.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   token,
		"user":    user.ToResponse(),
		"message": message,
	})
}

// Me returns the current authenticated user
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUserByID(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := user.ToResponse()
	resp.Online = true
	writeJSON(w, http.StatusOK, resp)
}

// UpdateProfile edits username, phone, status or avatar. The avatar is a URL
// to an image already uploaded elsewhere.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req models.ProfileUpdate
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Username != "" && (len(req.Username) < 3 || len(req.Username) > 20) {
		writeErrorMessage(w, http.StatusBadRequest, "Username must be 3-20 characters")
		return
	}

	user, err := h.store.UpdateProfile(r.Context(), middleware.GetUserID(r), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":    user.ToResponse(),
		"message": "Profile updated successfully",
	})
}
