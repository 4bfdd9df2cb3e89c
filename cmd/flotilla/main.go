package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/internal/allocator"
	"github.com/flotillaproject/flotilla/internal/allocator/configuration"
	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	config := configuration.DefaultConfig()
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/flotilla", userSpecifiedConfig)

	log.Info("Starting...")
	log.Infof("Config %+v", config)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	// The embedding master wires its offer dispatch in here; on its own
	// the binary hosts the allocator with a logging sink.
	service := allocator.NewService(config, clock.RealClock{}, func(frameworkID api.FrameworkID, offers map[api.AgentID]resource.Resources) {
		for agentID, offered := range offers {
			log.WithField("framework", frameworkID).WithField("agent", agentID).
				Infof("Offer: %s", offered)
		}
	})
	prometheus.MustRegister(service.Metrics())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopSignal
		cancel()
	}()

	if err := service.Run(ctx); err != nil {
		log.WithError(err).Error("Allocator exited with error")
		os.Exit(1)
	}
}
