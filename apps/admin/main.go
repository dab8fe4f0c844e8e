package main

import (
	"fmt"
	"os"

	"github.com/juju/clock"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
	emailsvc "github.com/trezcool/escudos/services/email"
	logsvc "github.com/trezcool/escudos/services/logger"
	"github.com/trezcool/escudos/storage/database"
	dummydb "github.com/trezcool/escudos/storage/database/dummy"
	sqlxrepos "github.com/trezcool/escudos/storage/database/sqlx"
)

var logger core.Logger

func main() {
	conf := core.NewConfig()
	logger = logsvc.NewRollbarLogger(os.Stderr, conf)

	cli := commandLine{conf: conf, out: os.Stdout}

	var (
		usrRepo    user.Repository
		escudoRepo escudo.Repository
	)
	if conf.Database.Engine == "memory" {
		db, _ := dummydb.Open()
		usrRepo, escudoRepo = dummydb.NewUserRepository(db), dummydb.NewEscudoRepository(db)
	} else {
		// set up DB
		if err := database.CreateIfNotExist(conf); err != nil {
			errAndDie(err)
		}
		db, err := database.Open(conf)
		errAndDie(err)
		defer db.Close()

		cli.db = db
		usrRepo, escudoRepo = sqlxrepos.NewUserRepository(db), sqlxrepos.NewEscudoRepository(db)
	}

	validate := newValidator()
	mailSvc := emailsvc.NewConsoleService(conf, os.Stdout, logger)
	if !conf.Debug {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	core.ParseEmailTemplates(logger)

	cli.usrSvc = user.NewService(usrRepo)
	cli.escudoSvc = escudo.NewService(conf, escudo.Deps{
		Repo:     escudoRepo,
		Users:    cli.usrSvc,
		Mail:     mailSvc,
		Clock:    clock.WallClock,
		Logger:   logger,
		Validate: validate,
	})
	cli.validate = validate

	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}
