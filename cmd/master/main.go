package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "drover-master",
		Short: "Drover master",
		Long:  "Control plane master for the drover fleet management channel",
	}

	rootCmd.AddCommand(NewStartCmd())
	rootCmd.AddCommand(NewKeysCmd())
	rootCmd.AddCommand(NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
