package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmkol/resync/coremain"
	"github.com/pmkol/resync/mlog"
	_ "github.com/pmkol/resync/plugin"
)

var version = "dev/unknown"

func init() {
	coremain.AddSubCmd(&cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	coremain.AddSubCmd(&cobra.Command{
		Use:   "plugins",
		Short: "List the executor plugin types built in.",
		Run: func(cmd *cobra.Command, args []string) {
			for _, t := range coremain.GetAllPluginTypes() {
				fmt.Println(t)
			}
		},
	})
}

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Fatal(err)
	}
}
