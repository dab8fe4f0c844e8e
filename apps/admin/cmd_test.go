package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/user"
	"github.com/trezcool/escudos/services/email"
	"github.com/trezcool/escudos/services/logger"
	"github.com/trezcool/escudos/tests"
)

func setup(t *testing.T) (*commandLine, *testutil.Env, *bytes.Buffer) {
	core.ParseEmailTemplates(logsvc.NewTestLogger())
	mailSvc := emailsvc.NewConsoleServiceMock(core.NewTestConfig(), logsvc.NewTestLogger())
	env := testutil.NewEnv(t, mailSvc)

	var out bytes.Buffer
	return &commandLine{
		conf:      env.Conf,
		usrSvc:    env.UserSvc,
		escudoSvc: env.Svc,
		validate:  testutil.NewValidator(),
		out:       &out,
	}, env, &out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    string
}

func runCLITests(t *testing.T, cli *commandLine, out *bytes.Buffer, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, errors.Cause(err))
			case tt.wantErrStr != "":
				if assert.Error(t, err) {
					assert.Equal(t, tt.wantErrStr, err.Error())
				}
			default:
				require.NoError(t, err)
				assert.Contains(t, out.String(), tt.wantOut)
			}
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, out := setup(t)

	runCLITests(t, cli, out, []cliTest{
		{name: "no database", args: []string{"migrate", "up"}, wantErr: errNoDatabase},
	})

	cli.db = new(sqlx.DB)
	migrateFunc = func(db *sqlx.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLITests(t, cli, out, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "1"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "status", args: []string{"migrate", "status"}},
	})
}

func Test_commandLine_escudos(t *testing.T) {
	cli, env, out := setup(t)

	runCLITests(t, cli, out, []cliTest{
		{name: "no command", args: nil, wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "adduser: no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "adduser: bad flag", args: []string{"adduser", "-lol"}, wantErr: errHelp},
		{name: "adduser", args: []string{"adduser", "-name", "Hero", "-email", "HERO@test.cd"}, wantOut: "<hero@test.cd>"},
		{name: "adduser: duplicate email", args: []string{"adduser", "-name", "Hero", "-email", "hero@test.cd"}, wantErrStr: user.ErrEmailExists.Error()},
		{name: "adduser: admin", args: []string{"adduser", "-name", "Boss", "-email", "boss@test.cd", "-admin"}, wantOut: "<boss@test.cd>"},
		{name: "grant: no amount", args: []string{"grant", "-email", "hero@test.cd"}, wantErr: errHelp},
		{name: "grant: unknown user", args: []string{"grant", "-email", "nobody@test.cd", "-amount", "5"}, wantErr: user.ErrNotFound},
		{name: "grant", args: []string{"grant", "-email", "hero@test.cd", "-amount", "25", "-source", "BONUS"}, wantOut: "granted 25 escudos to hero@test.cd"},
		{name: "cleanup", args: []string{"cleanup"}, wantOut: "expired 0 grants"},
		{name: "reconcile", args: []string{"reconcile"}, wantOut: "corrected 0 balances"},
		{name: "notify: nothing expiring", args: []string{"notify", "-within", "24h"}, wantOut: "notified 0 users"},
		{name: "token: no email", args: []string{"token"}, wantErr: errHelp},
	})

	hero, err := env.UserSvc.GetByEmail(context.Background(), "hero@test.cd")
	require.NoError(t, err)
	assert.Equal(t, 25, hero.Escudos)
	boss, err := env.UserSvc.GetByEmail(context.Background(), "boss@test.cd")
	require.NoError(t, err)
	assert.True(t, boss.IsAdmin())

	t.Run("notify before expiry", func(t *testing.T) {
		env.Clock.Advance(360 * 24 * time.Hour)
		out.Reset()
		require.NoError(t, cli.run([]string{"admin", "notify"}))
		assert.Contains(t, out.String(), "notified 1 users")
	})

	t.Run("cleanup after expiry", func(t *testing.T) {
		env.Clock.Advance(10 * 24 * time.Hour)
		out.Reset()
		require.NoError(t, cli.run([]string{"admin", "cleanup"}))
		assert.Contains(t, out.String(), "expired 1 grants")
	})

	t.Run("token", func(t *testing.T) {
		out.Reset()
		require.NoError(t, cli.run([]string{"admin", "token", "-email", "boss@test.cd"}))
		assert.Equal(t, 2, strings.Count(strings.TrimSpace(out.String()), "."))
	})
}
