package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/KaiHe-better/PathLLM/cmd"
)

func main() {
	err := cmd.LoadDotEnv()
	if err != nil {
		log.Fatal(err)
	}
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
