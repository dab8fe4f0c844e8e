package main

import (
	"context"

	"github.com/trezcool/escudos/core/user"
)

// addUser creates an active user.User
func (cli *commandLine) addUser(name, email string, isAdmin bool) error {
	nu := user.NewUser{Name: name, Email: email, Roles: []string{user.RoleStudent}}
	if isAdmin {
		nu.Roles = user.AllRoles
	}
	if err := nu.Validate(cli.validate); err != nil {
		return err
	}

	usr, err := cli.usrSvc.Create(context.Background(), nu)
	if err != nil {
		return err
	}
	cli.printf("created user %s <%s>\n", usr.ID, usr.Email)
	return nil
}
