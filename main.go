package main

import (
	"context"
	"log"

	"github.com/jmorganca/advanced-controlnet/cmd"
	"github.com/jmorganca/advanced-controlnet/envconfig"
	"github.com/spf13/cobra"
)

func main() {
	err := cmd.LoadDotEnv()
	if err != nil {
		log.Fatal(err)
	}
	// pick up variables from the .env file
	envconfig.LoadConfig()
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
