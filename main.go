package main

import (
	"os"

	"kis-autosell/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
