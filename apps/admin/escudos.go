package main

import (
	"context"
	"time"

	echoapi "github.com/trezcool/escudos/apps/api/echo"
	"github.com/trezcool/escudos/core/escudo"
)

func (cli *commandLine) grant(email string, amount int, source escudo.Source) error {
	ctx := context.Background()
	usr, err := cli.usrSvc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}

	g, err := cli.escudoSvc.Add(ctx, escudo.NewGrant{UserID: usr.ID, Amount: amount, Source: source})
	if err != nil {
		return err
	}
	cli.printf("granted %d escudos to %s (grant %s, expires %s)\n", g.Amount, usr.Email, g.ID, g.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (cli *commandLine) cleanup() error {
	n, err := cli.escudoSvc.CleanupExpired(context.Background())
	if err != nil {
		return err
	}
	cli.printf("expired %d grants\n", n)
	return nil
}

func (cli *commandLine) reconcile() error {
	n, err := cli.escudoSvc.Reconcile(context.Background())
	if err != nil {
		return err
	}
	cli.printf("corrected %d balances\n", n)
	return nil
}

func (cli *commandLine) notify(within time.Duration) error {
	n, err := cli.escudoSvc.NotifyExpiring(context.Background(), within)
	if err != nil {
		return err
	}
	cli.printf("notified %d users about escudos expiring within %s\n", n, within)
	return nil
}

func (cli *commandLine) token(email string) error {
	usr, err := cli.usrSvc.GetByEmail(context.Background(), email)
	if err != nil {
		return err
	}
	token, err := echoapi.GenerateToken(cli.conf, echoapi.NewUserClaims(cli.conf, usr))
	if err != nil {
		return err
	}
	cli.printf("%s\n", token)
	return nil
}
