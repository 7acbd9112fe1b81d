package main

import (
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v2"

	chappscli "github.com/chapps-dev/chapps/internal/cli"
)

const versionUnknown = "unknown (built from source tree)"

func init() {
	chappscli.AddSubcommand(&cli.Command{
		Name:   "version",
		Usage:  "print version information",
		Action: printVersion,
	})
}

func printVersion(c *cli.Context) error {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "(devel)" || info.Main.Version == "" {
		fmt.Println("chapps", versionUnknown)
		return nil
	}
	fmt.Println("chapps", info.Main.Version, info.Main.Sum)
	return nil
}
