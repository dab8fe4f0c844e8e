package echoapi_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
	"github.com/trezcool/escudos/tests"
)

func Test_escudoApi(t *testing.T) {
	srv, env := setup(t)

	admin := testutil.CreateUser(t, env.UserSvc, "Admin", "admin@test.cd", user.RoleAdmin)
	student := testutil.CreateUser(t, env.UserSvc, "Hero", "hero@test.cd", user.RoleStudent)
	adminToken := getToken(t, env.Conf, admin)
	studentToken := getToken(t, env.Conf, student)

	grant := func(amount int, source escudo.Source) []byte {
		return marshallObj(t, escudo.NewGrant{UserID: student.ID, Amount: amount, Source: source})
	}
	quote := func(price float64, escudos int) []byte {
		return marshallObj(t, echo.Map{"price": price, "escudos": escudos})
	}

	runHTTPTests(t, srv, []httpTest{
		{name: "auth required", path: "/v1/escudos/balance", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{
			name: "invalid token", path: "/v1/escudos/balance", token: "not.a.token", wantCode: http.StatusUnauthorized,
			wantData: marshallObj(t, httpErr{Error: "invalid or expired jwt"}),
		},
		{
			name: "admin required", method: http.MethodPost, path: "/v1/escudos/grants", token: studentToken,
			body: grant(10, escudo.SourceBonus), wantCode: http.StatusForbidden, wantData: marshallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "grant: zero amount", method: http.MethodPost, path: "/v1/escudos/grants", token: adminToken,
			body: grant(0, escudo.SourceBonus), wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"amount": "this field is required"}),
		},
		{
			name: "grant: unknown source", method: http.MethodPost, path: "/v1/escudos/grants", token: adminToken,
			body: grant(5, "LOTTERY"), wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"source": "source must be one of SUBSCRIPTION, COURSE_PURCHASE, MANUAL or BONUS"}),
		},
		{name: "grant", method: http.MethodPost, path: "/v1/escudos/grants", token: adminToken, body: grant(40, escudo.SourceBonus), wantCode: http.StatusCreated},
		{
			name: "balance", path: "/v1/escudos/balance", token: studentToken,
			wantData: marshallObj(t, map[string]interface{}{"user_id": student.ID, "balance": 40, "cached_balance": 40}),
		},
		{
			name: "quote", method: http.MethodPost, path: "/v1/escudos/quote", token: studentToken, body: quote(100, 20),
			wantData: marshallObj(t, escudo.Quote{Price: 100, Earned: 80, MaxRedeemable: 30, Escudos: 20, RemainingAmount: 80}),
		},
		{
			name: "quote: over the cap", method: http.MethodPost, path: "/v1/escudos/quote", token: studentToken, body: quote(100, 31),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"escudos": "at most 30 escudos can be used for this purchase"}),
		},
		{
			name: "redeem: nothing to redeem", method: http.MethodPost, path: "/v1/escudos/redeem", token: studentToken, body: quote(10, 0),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"escudos": "this field is required"}),
		},
		{
			name: "redeem", method: http.MethodPost, path: "/v1/escudos/redeem", token: studentToken, body: quote(100, 30),
			wantData: marshallObj(t, escudo.Redemption{Price: 100, Escudos: 30, RemainingAmount: 70, Balance: 10}),
		},
		{
			name: "redeem: insufficient balance", method: http.MethodPost, path: "/v1/escudos/redeem", token: studentToken, body: quote(100, 11),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"escudos": "not enough escudos"}),
		},
		{
			name: "user escudos: unknown user", path: "/v1/escudos/users/9b2f6a36-1c8e-4f43-a0b2-1b6d1e5c8f00", token: adminToken,
			wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: "user not found"}),
		},
		{name: "cleanup", method: http.MethodPost, path: "/v1/escudos/cleanup", token: adminToken, wantData: []byte(`{"expired": 0}`)},
		{name: "reconcile", method: http.MethodPost, path: "/v1/escudos/reconcile", token: adminToken, wantData: []byte(`{"corrected": 0}`)},
		{name: "cleanup: admin required", method: http.MethodPost, path: "/v1/escudos/cleanup", token: studentToken, wantCode: http.StatusForbidden},
	})

	t.Run("history", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/escudos/history", studentToken)
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []escudo.HistoryEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 2)

		var statuses []escudo.Status
		for _, e := range entries {
			statuses = append(statuses, e.Status)
		}
		assert.ElementsMatch(t, []escudo.Status{escudo.StatusConsumed, escudo.StatusActive}, statuses)
	})

	t.Run("user escudos", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/escudos/users/"+student.ID, adminToken)
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var res struct {
			User    user.User             `json:"user"`
			Balance int                   `json:"balance"`
			History []escudo.HistoryEntry `json:"history"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, student.ID, res.User.ID)
		assert.Equal(t, 10, res.User.Escudos)
		assert.Equal(t, 10, res.Balance)
		assert.Len(t, res.History, 2)
	})

	t.Run("metrics", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/metrics", "")
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "escudos_granted_total"))
	})
}

func Test_paymentApi_completed(t *testing.T) {
	srv, env := setup(t)

	admin := testutil.CreateUser(t, env.UserSvc, "Admin", "admin@test.cd", user.RoleAdmin)
	student := testutil.CreateUser(t, env.UserSvc, "Hero", "hero@test.cd", user.RoleStudent)
	adminToken := getToken(t, env.Conf, admin)

	body := marshallObj(t, escudo.Purchase{
		UserID: student.ID, PaymentID: "pi_123", Amount: 59.90, Source: escudo.SourceCoursePurchase,
		CourseID: "go-101", CourseTitle: "Go 101", CoursePrice: 59.90,
	})

	post := func(token string, data []byte) (int, map[string]interface{}) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/payments/completed", token, data)
		srv.ServeHTTP(rec, req)
		var res map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		return rec.Code, res
	}

	code, _ := post(getToken(t, env.Conf, student), body)
	assert.Equal(t, http.StatusForbidden, code)

	code, res := post(adminToken, body)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, res["created"])
	grant := res["grant"].(map[string]interface{})
	assert.EqualValues(t, 59, grant["amount"])
	assert.Equal(t, "COURSE_PURCHASE", grant["source"])

	code, res = post(adminToken, body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, res["created"])
	assert.Equal(t, grant["id"], res["grant"].(map[string]interface{})["id"])

	code, res = post(adminToken, marshallObj(t, echo.Map{"user_id": student.ID, "source": "SUBSCRIPTION"}))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "this field is required", res["payment_id"])

	code, res = post(adminToken, marshallObj(t, escudo.Purchase{
		UserID: admin.ID, PaymentID: "pi_123", Amount: 59.90, Source: escudo.SourceSubscription,
	}))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, escudo.ErrPaymentOwner.Error(), res["payment_id"])
	assert.Zero(t, testutil.CachedBalance(t, env.UserSvc, admin.ID))

	assert.Equal(t, 59,testutil.CachedBalance(t, env.UserSvc, student.ID))
}
