package main

import (
	"errors"

	"github.com/trezcool/escudos/storage/database"
)

var (
	migrateFunc = database.Migrate // mockable

	errNoDatabase = errors.New("migrations need a PostgreSQL database")
)

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoDatabase
	}
	return migrateFunc(cli.db, args[0], args[1:]...)
}
