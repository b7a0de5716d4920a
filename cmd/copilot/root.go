package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const serverAnnotation = "server"

type rootParams struct {
	ConfigPath string
	Debug      bool
}

func newRootCmd() *cobra.Command {
	params := &rootParams{}
	var a *app

	cmd := &cobra.Command{
		Use:          "copilot",
		Short:        "Incident copilot client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, server := cmd.Annotations[serverAnnotation]
			var err error
			a, err = newApp(params.ConfigPath, params.Debug, server)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&params.ConfigPath, "config", "c", "config.yaml", "config file")
	cmd.PersistentFlags().BoolVar(&params.Debug, "debug", false, "enable debug logging")

	get := func() *app { return a }
	cmd.AddCommand(
		newLoginCmd(get),
		newLogoutCmd(get),
		newRegisterCmd(get),
		newAskCmd(get),
		newChatCmd(get),
		newHistoryCmd(get),
		newThreadsCmd(get),
		newUploadCmd(get),
		newStatusCmd(get),
		newDataSourcesCmd(get),
		newFeedbackCmd(get),
		newBotCmd(get),
		newProxyCmd(get),
	)
	return cmd
}

// prompt reads one line from in after printing label.
func prompt(out io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
