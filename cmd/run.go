package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gitopsd/gitopsd/internal/controller"
	"github.com/gitopsd/gitopsd/pkg/cluster"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/registry"
	"github.com/gitopsd/gitopsd/pkg/signals"
	"github.com/gitopsd/gitopsd/pkg/source"
	"github.com/gitopsd/gitopsd/pkg/syncer"
	"github.com/gitopsd/gitopsd/utils/git"
	logutil "github.com/gitopsd/gitopsd/utils/log"

	log "github.com/sirupsen/logrus"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gitopsd reconciler",
	Long:  `Run the gitopsd reconciler. Can be run locally with kubeconfig provided or in-cluster.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return logutil.SetUpLogrus(viper.GetString("log-level"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Set up the kubernetes client
		config, err := clientcmd.BuildConfigFromFlags("", viper.GetString("kubeconfig"))
		if err != nil {
			log.Infof("Failed to load kubeconfig, falling back to in-cluster config...")

			// Fallback to in-cluster config
			config, err = rest.InClusterConfig()
			if err != nil {
				return err
			}
		}

		config.Timeout = 120 * time.Second

		discoveryClient, err := discovery.NewDiscoveryClientForConfig(config)
		if err != nil {
			return err
		}
		dynClientSet, err := dynamic.NewForConfig(config)
		if err != nil {
			return err
		}
		mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(discoveryClient))

		gitClient := git.NewGitClient(viper.GetString("git-token"))
		sourceAdapter := source.NewAdapter(gitClient, viper.GetDuration("source-cache-ttl"))
		clusterReader := cluster.NewReader(discoveryClient, dynClientSet)
		executor := syncer.NewExecutor(dynClientSet, mapper, viper.GetDuration("apply-timeout"))

		reg := registry.New(viper.GetInt("history-limit"))
		watcher := registry.NewWatcher(viper.GetString("app-dir"), reg, viper.GetDuration("app-dir-debounce"))

		ctrl := controller.NewController(reg, sourceAdapter, clusterReader, executor, controller.Config{
			ResyncInterval:    viper.GetDuration("resync-interval"),
			DegradedThreshold: viper.GetInt("degraded-after"),
			BackoffBase:       viper.GetDuration("backoff-base"),
			BackoffCap:        viper.GetDuration("backoff-cap"),
		})

		stopCh := signals.SetupSignalHandler()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()

		if addr := viper.GetString("metrics-addr"); addr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				log.Infof("Serving metrics on %s", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.Errorf("Metrics server stopped: %s", err)
				}
			}()
		}

		go func() {
			// One bad application directory must not take the controller
			// down; already-registered applications keep reconciling.
			if err := watcher.Run(ctx); err != nil {
				log.Errorf("Error running application watcher: %s", err)
			}
		}()

		return ctrl.Run(viper.GetInt("workers"), stopCh)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.PersistentFlags().StringP("kubeconfig", "k", "~/.kube/config", "Path to a kubeconfig. Only required if out-of-cluster.")
	runCmd.PersistentFlags().StringP("app-dir", "d", "./apps", "Directory of Application declarations")
	runCmd.PersistentFlags().IntP("workers", "w", 2, "Number of workers")
	runCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error, fatal, panic)")
	runCmd.PersistentFlags().String("git-token", "", "Personal access token for private repositories")
	runCmd.PersistentFlags().Duration("resync-interval", 3*time.Minute, "Interval between periodic reconciliations")
	runCmd.PersistentFlags().Duration("source-cache-ttl", 3*time.Minute, "Freshness window for cached manifest resolutions")
	runCmd.PersistentFlags().Duration("app-dir-debounce", 500*time.Millisecond, "Debounce for application directory changes")
	runCmd.PersistentFlags().Duration("apply-timeout", 30*time.Second, "Deadline for each cluster mutation call")
	runCmd.PersistentFlags().Duration("backoff-base", time.Second, "Base delay for reconciliation retries")
	runCmd.PersistentFlags().Duration("backoff-cap", 5*time.Minute, "Maximum delay for reconciliation retries")
	runCmd.PersistentFlags().Int("degraded-after", 5, "Consecutive failures before an application is marked Degraded")
	runCmd.PersistentFlags().Int("history-limit", 20, "Sync results kept per application")
	runCmd.PersistentFlags().String("metrics-addr", ":8080", "Listen address for Prometheus metrics, empty to disable")

	cobra.CheckErr(viper.BindPFlags(runCmd.PersistentFlags()))
}
