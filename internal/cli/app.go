package chappscli

import (
	"flag"
	"fmt"
	"os"

	"github.com/chapps-dev/chapps/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "Postfix policy delegation service"
	app.Description = `CHAPPS evaluates Postfix policy delegation requests (outbound
quota, sender-domain authorization, greylisting, SPF enforcement) against
a Redis cache and a read-only relational policy-config store.

This executable starts the outbound and inbound policy services ('run') or
reports version/build information.
`
	app.Authors = []*cli.Author{
		{
			Name: "CHAPPS maintainers",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)

	if cmd.Name == "run" {
		// Allow starting the default service with just the bare binary name,
		// same convention the service scripts already assume.
		app.Action = func(c *cli.Context) error {
			return cmd.Action(c)
		}
		app.Flags = append(app.Flags, cmd.Flags...)
		for _, f := range cmd.Flags {
			if err := f.Apply(flag.CommandLine); err != nil {
				log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
			}
		}
	}
}

func Run() {
	mapStdlibFlags(app)

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
