package dig_container

import (
	"fmt"
	"log"
	"os"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/escudos/apps/api/echo"
	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
	emailsvc "github.com/trezcool/escudos/services/email"
	logsvc "github.com/trezcool/escudos/services/logger"
	"github.com/trezcool/escudos/storage/database"
	dummydb "github.com/trezcool/escudos/storage/database/dummy"
	sqlxrepos "github.com/trezcool/escudos/storage/database/sqlx"
)

// memoryEngine selects the in-memory store instead of PostgreSQL.
const memoryEngine = "memory"

type (
	DBLoggerParam struct {
		dig.In
		Logger core.Logger `name:"dbLogger"`
	}

	// Stores are the repositories of the selected database engine.
	Stores struct {
		dig.Out
		Users   user.Repository
		Escudos escudo.Repository
		CloseDB func() error `name:"closeDB"`
	}

	// Shutdown receives OS signals and internal shutdown requests.
	Shutdown chan os.Signal
)

func newLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(os.Stdout, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	return newLogger(conf)
}

func newStores(conf *core.Config, loggerParam DBLoggerParam) Stores {
	if conf.Database.Engine == memoryEngine {
		db, _ := dummydb.Open()
		return Stores{
			Users:   dummydb.NewUserRepository(db),
			Escudos: dummydb.NewEscudoRepository(db),
			CloseDB: func() error { return nil },
		}
	}

	if err := database.CreateIfNotExist(conf); err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}
	if err = database.Migrate(db, "up"); err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("migrating database: %v", err), err)
	}
	return Stores{
		Users:   sqlxrepos.NewUserRepository(db),
		Escudos: sqlxrepos.NewEscudoRepository(db),
		CloseDB: db.Close,
	}
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, os.Stdout, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	escudo.InitValidators(validate, translator)
	return validate
}

func newEscudoService(
	conf *core.Config,
	repo escudo.Repository,
	usrSvc *user.Service,
	mailSvc core.EmailService,
	logger core.Logger,
	validate *validator.Validate,
) *escudo.Service {
	return escudo.NewService(conf, escudo.Deps{
		Repo:     repo,
		Users:    usrSvc,
		Mail:     mailSvc,
		Clock:    clock.WallClock,
		Logger:   logger,
		Validate: validate,
	})
}

func newShutdown() Shutdown {
	return make(Shutdown, 1)
}

type serverParams struct {
	dig.In

	Conf       *core.Config
	Logger     core.Logger
	Validate   *validator.Validate
	Translator ut.Translator
	UserSvc    *user.Service
	EscudoSvc  *escudo.Service
	Shutdown   Shutdown
}

func newServer(p serverParams) echoapi.Server {
	return echoapi.NewServer(&echoapi.Options{
		Conf:       p.Conf,
		Logger:     p.Logger,
		Validate:   p.Validate,
		Translator: p.Translator,
		UserSvc:    p.UserSvc,
		EscudoSvc:  p.EscudoSvc,
		SignalShutdown: func() {
			select {
			case p.Shutdown <- syscall.SIGTERM:
			default: // already shutting down
			}
		},
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newStores))
	must(c.Provide(newEmailService))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(user.NewService))
	must(c.Provide(newEscudoService))
	must(c.Provide(newShutdown))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
