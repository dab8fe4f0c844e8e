package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf      *core.Config
	db        *sqlx.DB // nil with the in-memory store
	usrSvc    *user.Service
	escudoSvc *escudo.Service
	validate  *validator.Validate
	out       io.Writer
}

func newValidator() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	escudo.InitValidators(validate, translator)
	return validate
}

func (cli *commandLine) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cli.out, format, args...)
}

func (cli *commandLine) printUsage() {
	cli.printf("Usage:\n")
	cli.printf("  migrate COMMAND [ARGS]                              - run a goose command (up, down, status, ...)\n")
	cli.printf("  adduser -name NAME -email EMAIL [-admin]            - create a user\n")
	cli.printf("  grant -email EMAIL -amount N [-source SOURCE]       - issue escudos to a user\n")
	cli.printf("  cleanup                                             - expire grants past their expiry date\n")
	cli.printf("  reconcile                                           - rewrite drifted cached balances\n")
	cli.printf("  notify [-within DURATION]                           - email users whose escudos expire soon\n")
	cli.printf("  token -email EMAIL                                  - print an API token for a user\n")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	addUserName := addUserCmd.String("name", "", "The user's name.")
	addUserEmail := addUserCmd.String("email", "", "The user's email.")
	addUserAdmin := addUserCmd.Bool("admin", false, "Give the user every admin role.")

	grantCmd := flag.NewFlagSet("grant", flag.ContinueOnError)
	grantEmail := grantCmd.String("email", "", "The user's email.")
	grantAmount := grantCmd.Int("amount", 0, "Number of escudos to issue.")
	grantSource := grantCmd.String("source", string(escudo.SourceManual), "SUBSCRIPTION, COURSE_PURCHASE, MANUAL or BONUS.")

	notifyCmd := flag.NewFlagSet("notify", flag.ContinueOnError)
	notifyWithin := notifyCmd.Duration("within", cli.conf.Escudos.ExpiryNoticeWindow, "Notify about grants expiring within this window.")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenEmail := tokenCmd.String("email", "", "The user's email.")

	for _, fs := range []*flag.FlagSet{addUserCmd, grantCmd, notifyCmd, tokenCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *addUserName == "" || *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(*addUserName, *addUserEmail, *addUserAdmin)

	case "grant":
		if err := grantCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *grantEmail == "" || *grantAmount == 0 {
			grantCmd.Usage()
			return errHelp
		}
		return cli.grant(*grantEmail, *grantAmount, escudo.Source(*grantSource))

	case "cleanup":
		return cli.cleanup()

	case "reconcile":
		return cli.reconcile()

	case "notify":
		if err := notifyCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *notifyWithin <= 0 {
			notifyCmd.Usage()
			return errHelp
		}
		return cli.notify(*notifyWithin)

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *tokenEmail == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenEmail)

	default:
		cli.printUsage()
		return errHelp
	}
}
