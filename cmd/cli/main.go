package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/advodesk/advodesk/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Login  commands.LoginCmd  `cmd:"" help:"Log in to the backend"`
		Logout commands.LogoutCmd `cmd:"" help:"Log out and clear the stored session"`
		Whoami commands.WhoamiCmd `cmd:"" help:"Show the identity behind the current session"`
		Status commands.StatusCmd `cmd:"" help:"Show local session status"`
		Lookup commands.LookupCmd `cmd:"" help:"Postal code and bank catalog lookups"`

		Debug   bool   `help:"Enable debug mode."`
		Server  string `help:"Backend base URL" env:"ADVODESK_SERVER"`
		Config  string `help:"Path to config file" type:"path"`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		Debug:   cli.Debug,
		Version: version,
		Server:  cli.Server,
		Config:  cli.Config,
	})
	cmd.FatalIfErrorf(err)
}
