package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/clock/testclock"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
	"github.com/trezcool/escudos/services/logger"
	"github.com/trezcool/escudos/storage/database/dummy"
)

// Epoch is the start time of test clocks.
var Epoch = time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)

// NewValidator returns a validator with every custom tag registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	escudo.InitValidators(validate, translator)
	return validate
}

// Env is a ledger wired to an in-memory store and a test clock.
type Env struct {
	Conf    *core.Config
	DB      *dummydb.DB
	Clock   *testclock.Clock
	UserSvc *user.Service
	Repo    *dummydb.EscudoRepository
	Svc     *escudo.Service
}

func NewEnv(t *testing.T, mail core.EmailService, configure ...func(conf *core.Config)) *Env {
	t.Helper()

	conf := core.NewTestConfig()
	for _, fn := range configure {
		fn(conf)
	}

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	clk := testclock.NewClock(Epoch)
	usrSvc := user.NewService(dummydb.NewUserRepository(db))
	repo := dummydb.NewEscudoRepository(db)

	svc := escudo.NewService(conf, escudo.Deps{
		Repo:     repo,
		Users:    usrSvc,
		Mail:     mail,
		Clock:    clk,
		Logger:   logsvc.NewTestLogger(),
		Validate: NewValidator(),
	})
	return &Env{Conf: conf, DB: db, Clock: clk, UserSvc: usrSvc, Repo: repo, Svc: svc}
}

func CreateUser(t *testing.T, svc *user.Service, name, email string, roles ...string) user.User {
	t.Helper()
	usr, err := svc.Create(context.Background(), user.NewUser{Name: name, Email: email, Roles: roles})
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func AddEscudos(t *testing.T, svc *escudo.Service, userID string, amount int, source ...escudo.Source) escudo.Grant {
	t.Helper()
	src := escudo.SourceManual
	if len(source) > 0 {
		src = source[0]
	}
	g, err := svc.Add(context.Background(), escudo.NewGrant{UserID: userID, Amount: amount, Source: src})
	if err != nil {
		t.Fatalf("AddEscudos() failed: %v", err)
	}
	return g
}

func CachedBalance(t *testing.T, svc *user.Service, userID string) int {
	t.Helper()
	usr, err := svc.GetByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("CachedBalance() failed: %v", err)
	}
	return usr.Escudos
}

// SpendConcurrently runs n concurrent Use(amount) calls for userID and returns how many succeeded.
func SpendConcurrently(t *testing.T, svc *escudo.Service, userID string, n, amount int) int {
	t.Helper()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		used  int
		first error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Use(context.Background(), userID, amount)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && first == nil {
				first = err
			}
			if ok {
				used++
			}
		}()
	}
	wg.Wait()

	if first != nil {
		t.Fatalf("Use() failed: %v", first)
	}
	return used
}
