package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/weightspace/w2w/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
