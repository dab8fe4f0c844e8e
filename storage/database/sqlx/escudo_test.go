package sqlxrepos_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
	"github.com/trezcool/escudos/services/logger"
	"github.com/trezcool/escudos/storage/database"
	"github.com/trezcool/escudos/storage/database/sqlx"
	"github.com/trezcool/escudos/tests"
)

// openTestDB connects to TEST_DATABASE_URL, migrates it and empties every table.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	db, err := database.OpenURL(dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(db, "up"))
	_, err = db.Exec(`TRUNCATE escudo_grant, payment, course, "user" CASCADE`)
	require.NoError(t, err)
	return db
}

func newPostgresEnv(t *testing.T) (*escudo.Service, *user.Service, *testclock.Clock) {
	svc, usrSvc, clk, _ := newPostgresRepoEnv(t)
	return svc, usrSvc, clk
}

func newPostgresRepoEnv(t *testing.T) (*escudo.Service, *user.Service, *testclock.Clock, *sqlxrepos.EscudoRepository) {
	db := openTestDB(t)
	clk := testclock.NewClock(testutil.Epoch)
	usrSvc := user.NewService(sqlxrepos.NewUserRepository(db))
	repo := sqlxrepos.NewEscudoRepository(db)
	svc := escudo.NewService(core.NewTestConfig(), escudo.Deps{
		Repo:     repo,
		Users:    usrSvc,
		Clock:    clk,
		Logger:   logsvc.NewTestLogger(),
		Validate: testutil.NewValidator(),
	})
	return svc, usrSvc, clk, repo
}

func TestEscudoRepository_useFIFO(t *testing.T) {
	ctx := context.Background()
	svc, usrSvc, clk := newPostgresEnv(t)
	usr := testutil.CreateUser(t, usrSvc, "Ana", "ana@example.com")

	first := testutil.AddEscudos(t, svc, usr.ID, 20)
	clk.Advance(time.Minute)
	testutil.AddEscudos(t, svc, usr.ID, 15)

	ok, err := svc.Use(ctx, usr.ID, 25)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := svc.ValidBalance(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
	assert.Equal(t, 10, testutil.CachedBalance(t, usrSvc, usr.ID))

	history, err := svc.History(ctx, usr.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, h := range history {
		if h.ID == first.ID {
			assert.Equal(t, escudo.StatusConsumed, h.Status)
			assert.True(t, h.IsUsed)
		}
	}

	ok, err = svc.Use(ctx, usr.ID, 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEscudoRepository_cleanupExpired(t *testing.T) {
	ctx := context.Background()
	svc, usrSvc, clk := newPostgresEnv(t)
	usr := testutil.CreateUser(t, usrSvc, "Ana", "ana@example.com")
	testutil.AddEscudos(t, svc, usr.ID, 40)

	clk.Advance(366 * 24 * time.Hour)
	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, testutil.CachedBalance(t, usrSvc, usr.ID))

	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEscudoRepository_recordPurchase(t *testing.T) {
	ctx := context.Background()
	svc, usrSvc, _ := newPostgresEnv(t)
	usr := testutil.CreateUser(t, usrSvc, "Ana", "ana@example.com")

	p := escudo.Purchase{
		UserID:      usr.ID,
		PaymentID:   "pi_123",
		Amount:      49.99,
		Source:      escudo.SourceCoursePurchase,
		CourseID:    "go-101",
		CourseTitle: "Go 101",
		CoursePrice: 49.99,
	}
	g, created, err := svc.RecordPurchase(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 49, g.Amount)

	again, created, err := svc.RecordPurchase(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, g.ID, again.ID)

	history, err := svc.History(ctx, usr.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Course)
	assert.Equal(t, "Go 101", history[0].Course.Title)
	require.NotNil(t, history[0].Payment)
	assert.Equal(t, 49.99, history[0].Payment.Amount)
}

func TestEscudoRepository_unknownUser(t *testing.T) {
	svc, _, _ := newPostgresEnv(t)
	_, err := svc.Use(context.Background(), uuid.New().String(), 5)
	assert.Equal(t, user.ErrNotFound, errors.Cause(err))

	_, err = svc.Use(context.Background(), "not-a-uuid", 5)
	assert.Equal(t, user.ErrNotFound, errors.Cause(err))
}

func TestEscudoRepository_concurrentUse(t *testing.T) {
	ctx := context.Background()
	svc, usrSvc, _ := newPostgresEnv(t)
	usr := testutil.CreateUser(t, usrSvc, "Ana", "ana@example.com")
	testutil.AddEscudos(t, svc, usr.ID, 50)

	assert.Equal(t, 7, testutil.SpendConcurrently(t, svc, usr.ID, 20, 7))

	balance, err := svc.ValidBalance(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, balance)
	assert.Equal(t, 1, testutil.CachedBalance(t, usrSvc, usr.ID))
}

func TestEscudoRepository_paymentUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, usrSvc, _, repo := newPostgresRepoEnv(t)
	ana := testutil.CreateUser(t, usrSvc, "Ana", "ana@example.com")
	bob := testutil.CreateUser(t, usrSvc, "Bob", "bob@example.com")

	_, err := svc.Add(ctx, escudo.NewGrant{UserID: ana.ID, Amount: 10, Source: escudo.SourceManual, PaymentID: "pay_1"})
	require.NoError(t, err)

	_, err = svc.Add(ctx, escudo.NewGrant{UserID: ana.ID, Amount: 5, Source: escudo.SourceManual, PaymentID: "pay_1"})
	assert.True(t, core.IsValidationError(err))

	err = repo.CreateGrants(ctx, escudo.Grant{
		ID: uuid.New().String(), UserID: ana.ID, Amount: 5,
		Source: escudo.SourceManual, Status: escudo.StatusActive, PaymentID: "pay_1",
		CreatedAt: testutil.Epoch, ExpiresAt: testutil.Epoch.AddDate(1, 0, 0),
	})
	assert.Equal(t, escudo.ErrPaymentTaken, errors.Cause(err))

	_, _, err = svc.RecordPurchase(ctx, escudo.Purchase{
		UserID: bob.ID, PaymentID: "pay_1", Amount: 20, Source: escudo.SourceSubscription,
	})
	require.Error(t, err)
	assert.Equal(t, escudo.ErrPaymentOwner, errors.Cause(err).(*core.ValidationError).Err)
}

func TestEscudoRepository_SetUserBalance_unknownUser(t *testing.T) {
	_, _, _, repo := newPostgresRepoEnv(t)
	err := repo.SetUserBalance(context.Background(), uuid.New().String(), 5)
	assert.Equal(t, user.ErrNotFound, errors.Cause(err))
}
