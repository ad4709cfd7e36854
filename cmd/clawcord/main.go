package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/clawcord/cmd/clawcord/internal"
	"github.com/tinyland-inc/clawcord/cmd/clawcord/internal/gateway"
	"github.com/tinyland-inc/clawcord/cmd/clawcord/internal/onboard"
	"github.com/tinyland-inc/clawcord/cmd/clawcord/internal/version"
)

func NewClawcordCommand() *cobra.Command {
	short := fmt.Sprintf("%s clawcord - Chat event dispatcher v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "clawcord",
		Short:   short,
		Example: "clawcord gateway",
	}

	cmd.AddCommand(
		onboard.NewOnboardCommand(),
		gateway.NewGatewayCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewClawcordCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
