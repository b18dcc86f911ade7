package run

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-relay/internal/business"
	"github.com/openkcm/session-relay/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"run",
		"Session Relay",
		"Session Relay drives a browser, captures the web application's session and keeps it refreshed",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
