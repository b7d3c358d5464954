package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/input-output-hk/catalyst-forge-build/oci"
)

var pushFlags struct {
	username  string
	password  string
	plainHTTP bool
}

var pushCmd = &cobra.Command{
	Use:   "push LAYOUT REF",
	Short: "Push a built image to a registry",
	Long: `Push uploads an image from an OCI layout directory (as written by the
build command) to a registry. The image must have been tagged with the
same reference at build time (--tag).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		store, err := oci.NewLayoutStore(args[0])
		if err != nil {
			return err
		}
		opts := &oci.PushOptions{
			Username:  pushFlags.username,
			Password:  pushFlags.password,
			PlainHTTP: pushFlags.plainHTTP,
		}
		if err := oci.Push(cmd.Context(), store, args[1], opts); err != nil {
			return err
		}
		fmt.Println("pushed", args[1])
		return nil
	},
}

func init() {
	f := pushCmd.Flags()
	f.StringVar(&pushFlags.username, "username", "", "registry username (default: Docker credential chain)")
	f.StringVar(&pushFlags.password, "password", "", "registry password")
	f.BoolVar(&pushFlags.plainHTTP, "plain-http", false, "use HTTP for local registries")

	rootCmd.AddCommand(pushCmd)
}
