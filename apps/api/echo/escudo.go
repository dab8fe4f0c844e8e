package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
)

type (
	escudoApi struct {
		svc      *escudo.Service
		usrSvc   *user.Service
		validate *validator.Validate
	}

	balanceResponse struct {
		UserID        string `json:"user_id"`
		Balance       int    `json:"balance"`
		CachedBalance int    `json:"cached_balance"`
	}

	userEscudosResponse struct {
		User    user.User             `json:"user"`
		Balance int                   `json:"balance"`
		History []escudo.HistoryEntry `json:"history"`
	}

	quoteRequest struct {
		Price   float64 `json:"price" validate:"gte=0"`
		Escudos int     `json:"escudos" validate:"gte=0"`
	}

	redeemRequest struct {
		Price   float64 `json:"price" validate:"gt=0"`
		Escudos int     `json:"escudos" validate:"required,gt=0"`
	}
)

func registerEscudoAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *escudo.Service,
	usrSvc *user.Service,
	validate *validator.Validate,
) {
	api := escudoApi{
		svc:      svc,
		usrSvc:   usrSvc,
		validate: validate,
	}

	eg := g.Group("/escudos", jwt)

	// current user
	eg.GET("/balance", api.balance)
	eg.GET("/history", api.history)
	eg.POST("/quote", api.quote)
	eg.POST("/redeem", api.redeem)

	// admin
	eg.POST("/grants", api.grant, adminMiddleware())
	eg.GET("/users/:id", api.userEscudos, adminMiddleware())
	eg.POST("/cleanup", api.cleanup, adminMiddleware())
	eg.POST("/reconcile", api.reconcile, adminMiddleware())
}

// Handlers

func (api *escudoApi) balance(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	usr, err := api.usrSvc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "getting user")
	}
	balance, err := api.svc.ValidBalance(ctx.Request().Context(), usr.ID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, balanceResponse{UserID: usr.ID, Balance: balance, CachedBalance: usr.Escudos})
}

func (api *escudoApi) history(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	entries, err := api.svc.History(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *escudoApi) quote(ctx echo.Context) error {
	var data quoteRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to quoteRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	q, err := api.svc.Quote(data.Price, data.Escudos)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, q)
}

func (api *escudoApi) redeem(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data redeemRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to redeemRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	r, err := api.svc.Redeem(ctx.Request().Context(), claims.Subject, data.Price, data.Escudos)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, r)
}

func (api *escudoApi) grant(ctx echo.Context) error {
	var data escudo.NewGrant
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGrant")
	}

	g, err := api.svc.Add(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, g)
}

func (api *escudoApi) userEscudos(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()

	usr, err := api.usrSvc.GetByID(reqCtx, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting user")
	}
	balance, err := api.svc.ValidBalance(reqCtx, usr.ID)
	if err != nil {
		return err
	}
	entries, err := api.svc.History(reqCtx, usr.ID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, userEscudosResponse{User: usr, Balance: balance, History: entries})
}

func (api *escudoApi) cleanup(ctx echo.Context) error {
	count, err := api.svc.CleanupExpired(ctx.Request().Context())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"expired": count})
}

func (api *escudoApi) reconcile(ctx echo.Context) error {
	count, err := api.svc.Reconcile(ctx.Request().Context())
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"corrected": count})
}
