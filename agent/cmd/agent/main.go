package main

import (
	"os"

	"github.com/joho/godotenv"

	"nat-tunnel/agent/internal/cli"
)

func main() {
	_ = godotenv.Load(".env")

	root := cli.NewRootCommand()
	cmd, err := root.ExecuteC()
	if err != nil {
		cli.PrintError(cmd, err)
	}
	os.Exit(cli.ExitCode(err))
}
