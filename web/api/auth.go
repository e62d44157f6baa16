package api

import (
	"encoding/json"
	"net/http"

	"navigator/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// Register handles POST /api/auth/register
func Register(ctx rweb.Context) error {
	var input models.UserRegisterInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}

	user, err := models.CreateUser(input)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to create user"), "registration failed")
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(err, "failed to generate token after registration")
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	logger.Info("User registered", "username", user.Username)
	return writeSuccess(ctx, http.StatusCreated, map[string]interface{}{
		"user":  user.ToOutput(),
		"token": token,
	})
}

// Login handles POST /api/auth/login
func Login(ctx rweb.Context) error {
	var input struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}

	user, err := models.AuthenticateUser(input.Username, input.Password)
	if err != nil {
		logger.LogErr(err, "authentication lookup failed")
		return writeError(ctx, http.StatusInternalServerError, "authentication failed")
	}
	if user == nil {
		return writeError(ctx, http.StatusUnauthorized, "invalid credentials")
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(err, "failed to generate token")
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"user":  user.ToOutput(),
		"token": token,
	})
}

// Me handles GET /api/auth/me
func Me(ctx rweb.Context) error {
	user, err := models.GetUserByGUID(GetCurrentUserGUID(ctx))
	if err != nil {
		logger.LogErr(err, "failed to load current user")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if user == nil {
		return writeError(ctx, http.StatusNotFound, "user not found")
	}
	return writeSuccess(ctx, http.StatusOK, user.ToOutput())
}
