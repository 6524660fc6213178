package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/identity"
)

// maxBodySize bounds request bodies; board payloads are small.
const maxBodySize = 1 << 20

// Register wires up all API routes on the provided Echo instance. ws serves
// the realtime endpoint and may be nil when realtime is disabled.
func Register(e *echo.Echo, tasks TaskService, notifications NotificationService, ident IdentityService, auth Authenticator, ws echo.HandlerFunc, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	e.POST("/api/auth/register", postRegister(ident))
	e.POST("/api/auth/login", postLogin(ident))
	e.POST("/api/auth/logout", postLogout())
	e.GET("/api/auth/me", getMe(ident, auth))
	e.GET("/api/users", getUsers(ident, auth))

	e.POST("/api/tasks", postTask(tasks, auth))
	e.GET("/api/tasks", getTasks(tasks, auth, logger))
	e.GET("/api/tasks/:id", getTask(tasks, auth))
	e.PUT("/api/tasks/:id", putTask(tasks, auth))
	e.DELETE("/api/tasks/:id", deleteTask(tasks, auth))
	e.POST("/api/tasks/rebalance", postRebalance(tasks, auth))

	e.GET("/api/notifications", getNotifications(notifications, auth))
	e.PATCH("/api/notifications/:id/read", patchNotificationRead(notifications, auth))
	e.PATCH("/api/notifications/read-all", patchNotificationsReadAll(notifications, auth))

	if ws != nil {
		e.GET("/ws", ws)
	}
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// decodeBody decodes JSON strictly: unknown fields are rejected and bodies
// are capped at maxBodySize.
func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func postRegister(ident IdentityService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if err := validate.Struct(req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: validationFields(err)})
		}
		user, err := ident.Register(c.Request().Context(), req.Username, req.Email, req.Password)
		if err != nil {
			if errors.Is(err, identity.ErrEmailTaken) {
				return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "registration failed"})
		}
		return c.JSON(http.StatusCreated, user)
	}
}

func postLogin(ident IdentityService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if err := validate.Struct(req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: validationFields(err)})
		}
		user, token, err := ident.Login(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "login failed"})
		}
		c.SetCookie(sessionTokenCookie(token, 7*24*time.Hour))
		return c.JSON(http.StatusOK, loginResponse{User: user, Token: token})
	}
}

func postLogout() echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie := sessionTokenCookie("", 0)
		cookie.MaxAge = -1
		c.SetCookie(cookie)
		return c.NoContent(http.StatusNoContent)
	}
}

func sessionTokenCookie(token string, ttl time.Duration) *http.Cookie {
	cookie := &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		cookie.Expires = time.Now().Add(ttl)
	}
	return cookie
}

func getMe(ident IdentityService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromRequest(c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		user, err := ident.Me(c.Request().Context(), userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown user"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		}
		return c.JSON(http.StatusOK, user)
	}
}

func getUsers(ident IdentityService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromRequest(c.Request()); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		users, err := ident.Users(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "listing failed"})
		}
		return c.JSON(http.StatusOK, users)
	}
}

func postTask(tasks TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromRequest(c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		req.normalize()
		if err := validate.Struct(req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: validationFields(err)})
		}
		task, err := tasks.Create(c.Request().Context(), userID, req.toDomain())
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "create failed"})
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func getTasks(tasks TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromRequest(c.Request())
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		filter, filterErr := filterFromQuery(c)
		if filterErr != nil {
			metrics.SetErrorStage("invalid_filter")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: filterErr.Error()})
		}
		metrics.SetFiltered(filter != domain.TaskFilter{})

		fetchStart := time.Now()
		list, fetchErr := tasks.List(ctx, filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: "listing failed"})
			return err
		}
		metrics.SetTasksReturned(len(list))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, list)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func filterFromQuery(c echo.Context) (domain.TaskFilter, error) {
	f := domain.TaskFilter{
		Status:       domain.Status(c.QueryParam("status")),
		Priority:     domain.Priority(c.QueryParam("priority")),
		AssignedToID: c.QueryParam("assignedToId"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return domain.TaskFilter{}, errors.New("invalid status filter")
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return domain.TaskFilter{}, errors.New("invalid priority filter")
	}
	return f, nil
}

func getTask(tasks TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromRequest(c.Request()); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		task, err := tasks.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		}
		return c.JSON(http.StatusOK, task)
	}
}

func putTask(tasks TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromRequest(c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		req.normalize()
		if err := validate.Struct(req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: validationFields(err)})
		}
		// omitempty skips a pointer to the empty string, so catch it here.
		if req.Title != nil && *req.Title == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: map[string]string{"title": "min=1"}})
		}
		upd := req.toDomain()
		if upd.Empty() {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "empty update"})
		}
		task, err := tasks.Update(c.Request().Context(), c.Param("id"), userID, upd)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "update failed"})
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(tasks TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromRequest(c.Request()); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if err := tasks.Delete(c.Request().Context(), c.Param("id")); err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "delete failed"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postRebalance(tasks TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromRequest(c.Request()); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		status := domain.Status(c.QueryParam("status"))
		if !status.Valid() {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid status"})
		}
		if err := tasks.RebalanceColumn(c.Request().Context(), status); err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "rebalance failed"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getNotifications(notifications NotificationService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromRequest(c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		list, err := notifications.List(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "listing failed"})
		}
		return c.JSON(http.StatusOK, list)
	}
}

func patchNotificationRead(notifications NotificationService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromRequest(c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		n, err := notifications.MarkRead(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "notification not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "update failed"})
		}
		return c.JSON(http.StatusOK, n)
	}
}

func patchNotificationsReadAll(notifications NotificationService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromRequest(c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if err := notifications.MarkAllRead(c.Request().Context(), userID); err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "update failed"})
		}
		return c.NoContent(http.StatusOK)
	}
}
