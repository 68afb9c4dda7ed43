package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/auth"
	mw "github.com/Astemirdum/library-circulation/pkg/middleware"
	"github.com/Astemirdum/library-circulation/pkg/validate"
)

type Handler struct {
	circulationSvc CirculationService
	log            *zap.Logger
}

func New(circulationSvc CirculationService, log *zap.Logger) *Handler {
	return &Handler{
		circulationSvc: circulationSvc,
		log:            log.Named("handler"),
	}
}

func (h *Handler) NewRouter() *echo.Echo {
	e := echo.New()
	const (
		baseRPS = 10
		apiRPS  = 100
	)
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))

	base := e.Group("", mw.NewRateLimiter(baseRPS))
	base.GET("/manage/health", h.Health)
	base.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	base.POST("/manage/sweep", h.Sweep)

	e.Validator = validate.NewCustomValidator()
	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(mw.RequestLoggerConfig(h.log)),
		middleware.RequestID(),
		mw.NewRateLimiter(apiRPS),
	)

	api.POST("/copies", h.AddCopy)
	api.GET("/copies/:copyUid", h.GetCopy)
	api.POST("/copies/:copyUid/transition", h.Transition)
	api.POST("/copies/:copyUid/renew", h.Renew)
	api.GET("/books/:bookUid/copies", h.ListCopies)

	api.GET("/reservations", h.GetReservations, auth.MiddlewareUserName)
	api.POST("/reservations", h.CreateReservation, auth.MiddlewareUserName)
	api.DELETE("/reservations/:reservationUid", h.CancelReservation, auth.MiddlewareUserName)

	return e
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) Sweep(c echo.Context) error {
	report, err := h.circulationSvc.Sweep(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) AddCopy(c echo.Context) error {
	var req model.AddCopyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cp, err := h.circulationSvc.AddCopy(c.Request().Context(), req)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, cp)
}

func (h *Handler) GetCopy(c echo.Context) error {
	cp, err := h.circulationSvc.GetCopy(c.Request().Context(), c.Param("copyUid"))
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) ListCopies(c echo.Context) error {
	bookUid := c.Param("bookUid")
	if bookUid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "empty bookUid")
	}
	list, err := h.circulationSvc.ListCopies(c.Request().Context(), bookUid)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// Transition takes the acting user from the body, falling back to the gateway header.
func (h *Handler) Transition(c echo.Context) error {
	var req model.TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Username == "" {
		req.Username = c.Request().Header.Get(auth.XUserName)
	}
	cp, err := h.circulationSvc.Transition(c.Request().Context(), c.Param("copyUid"), req.Status, req.Username)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) Renew(c echo.Context) error {
	resp, err := h.circulationSvc.Renew(c.Request().Context(), c.Param("copyUid"))
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateReservation(c echo.Context) error {
	var req model.CreateReservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userName, err := auth.GetUserName(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	req.UserName = userName

	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := h.circulationSvc.Reserve(c.Request().Context(), req)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) GetReservations(c echo.Context) error {
	userName, err := auth.GetUserName(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	resp, err := h.circulationSvc.UserReservations(c.Request().Context(), userName)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CancelReservation(c echo.Context) error {
	userName, err := auth.GetUserName(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	reservationUid := c.Param("reservationUid")
	if reservationUid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reservationUid is empty")
	}
	if err = h.circulationSvc.CancelReservation(c.Request().Context(), reservationUid, userName); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) httpError(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrNotLoaned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrAlreadyReserved),
		errors.Is(err, errs.ErrLimitExceeded),
		errors.Is(err, errs.ErrRenewalLimitExceeded):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, errs.ErrUserName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.log.Error("internal", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}
