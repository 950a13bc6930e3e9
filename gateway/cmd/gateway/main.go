package main

import (
	"os"

	"github.com/joho/godotenv"

	"nat-tunnel/gateway/internal/cli"
)

func main() {
	_ = godotenv.Load()

	root := cli.NewRootCommand()
	cmd, err := root.ExecuteC()
	if err != nil {
		cli.PrintError(cmd, err)
	}
	os.Exit(cli.ExitCode(err))
}
