// Command rockbot-agent is a composition root for one RockBot agent process
// (spec §2, §4.4): it loads configuration, dials the broker, assembles the
// memory/context/tool stack, wires an orchestrator onto a host builder, and
// runs until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rockbot-agent",
	Short: "Run a RockBot agent host",
	Long:  "rockbot-agent hosts a single RockBot agent: it subscribes to its bus topics, assembles prompt context, calls an LLM, runs tools, and replies.",
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rockbot.yaml, then /etc/rockbot/rockbot.yaml)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}
