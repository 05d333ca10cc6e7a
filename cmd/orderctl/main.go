// Command orderctl inspects and drives an order pipeline from the terminal:
// discovery state, live endpoint changes, test submissions, and the admin
// methods of individual Order Service instances.
package main

import (
	"fmt"
	"os"
	"time"

	"order-pipeline/config"
	"order-pipeline/logging"
	"order-pipeline/registry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	common  = config.LoadService().Common
	service string
	verbose bool
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "orderctl",
	Short: "Inspect and drive an order pipeline",
	Long: `orderctl reads the service registry the pipeline registers in, follows
endpoint changes as they happen, submits test orders through the same
discovery-backed client the receiver uses, and calls the admin methods of a
single Order Service instance.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&common.RegistryBackend, "registry", common.RegistryBackend, "registry backend: consul, etcd or memory")
	pf.StringVar(&common.ConsulAddr, "consul", common.ConsulAddr, "Consul agent address")
	pf.StringSliceVar(&common.EtcdEndpoints, "etcd", common.EtcdEndpoints, "etcd endpoints")
	pf.StringVarP(&service, "service", "s", "order-service", "service name")
	pf.DurationVar(&timeout, "timeout", 5*time.Second, "bound on one-shot commands")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log pipeline internals to stderr")

	rootCmd.AddCommand(discoverCmd, watchCmd, submitCmd, adminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := logging.New("debug", true)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openRegistry(logger *zap.Logger) (registry.Registry, error) {
	return registry.Open(common.RegistryBackend, common.ConsulAddr, common.EtcdEndpoints, logger)
}
