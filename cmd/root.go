package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gitopsd/gitopsd/common"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   common.ControllerName,
	Short: "GitOps reconciler for Kubernetes",
	Long: `GitOps reconciler for Kubernetes. gitopsd watches a directory of
Application declarations, resolves each application's manifests from its Git
source and continuously drives the destination cluster toward them.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to an optional config file")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			cobra.CheckErr(err)
		}
	}

	viper.SetEnvPrefix("GITOPSD")
	viper.AutomaticEnv()
}
