package main

import (
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/daisy-project/daisy/internal/blobstore"
	"github.com/daisy-project/daisy/internal/bucketing"
	"github.com/daisy-project/daisy/internal/common"
	"github.com/daisy-project/daisy/internal/configuration"
	"github.com/daisy-project/daisy/internal/ingest"
	"github.com/daisy-project/daisy/internal/queue"
	"github.com/daisy-project/daisy/internal/repository"
)

const customConfigLocation = "config"

func init() {
	pflag.StringSlice(customConfigLocation, []string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.IngestConfig
	userSpecifiedConfigs := viper.GetStringSlice(customConfigLocation)
	common.LoadConfig(&config, "./config/ingest", userSpecifiedConfigs)

	shutdownMetrics := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetrics()

	ctx := common.ContextWithShutdown()

	db := redis.NewClient(config.Redis.Options())
	defer db.Close()
	repo := repository.New(db)

	pool, err := blobstore.NewPool(ctx, config.Blob)
	if err != nil {
		log.WithError(err).Fatal("could not build blob store pool")
	}

	pulsarQueue, err := queue.Connect(config.Pulsar)
	if err != nil {
		log.WithError(err).Fatal("could not connect to pulsar")
	}
	defer pulsarQueue.Close()

	server := ingest.NewServer(config, repo, bucketing.New(repo), pool, pulsarQueue)
	shutdownHttp := common.ServeHttp(config.HttpPort, server.Routes())

	<-ctx.Done()
	shutdownHttp()
}
