package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core/escudo"
)

type (
	paymentApi struct {
		svc *escudo.Service
	}

	purchaseResponse struct {
		Grant   *escudo.Grant `json:"grant"`
		Created bool          `json:"created"`
	}
)

func registerPaymentAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *escudo.Service) {
	api := paymentApi{svc: svc}

	pg := g.Group("/payments", jwt, adminMiddleware())
	pg.POST("/completed", api.completed)
}

// completed is called by the payment flow once a checkout is paid.
// Redelivered payments answer 200 with the grant issued the first time.
func (api *paymentApi) completed(ctx echo.Context) error {
	var data escudo.Purchase
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Purchase")
	}

	g, created, err := api.svc.RecordPurchase(ctx.Request().Context(), data)
	if err != nil {
		return err
	}

	res := purchaseResponse{Created: created}
	if g.ID != "" {
		res.Grant = &g
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return ctx.JSON(code, res)
}
