package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var logLevel = "info"

var rootCmd = &cobra.Command{
	Use:               "kerneldemo",
	Short:             "Diagnostic driver for the storage kernel's buffer pool, B+Tree and lock manager",
	PersistentPreRunE: rootPreRun,
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(benchCmd, inspectCmd, lockDemoCmd)
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	var explicit []string
	cmd.Flags().Visit(func(flg *pflag.Flag) {
		explicit = append(explicit, flg.Name)
	})
	if len(explicit) > 0 {
		logrus.WithField("flags", explicit).Debug("non-default flags set")
	}
	return nil
}
