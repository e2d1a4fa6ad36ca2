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
	"github.com/daisy-project/daisy/internal/queue"
	"github.com/daisy-project/daisy/internal/repository"
	"github.com/daisy-project/daisy/internal/retracer"
)

const (
	customConfigLocation = "config"
	failedModeFlag       = "failed"
)

func init() {
	pflag.StringSlice(customConfigLocation, []string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	pflag.Bool(failedModeFlag, false,
		"Consume the second-chance failed retrace queue instead of the primary one")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.RetracerConfig
	userSpecifiedConfigs := viper.GetStringSlice(customConfigLocation)
	common.LoadConfig(&config, "./config/retracer", userSpecifiedConfigs)
	if viper.GetBool(failedModeFlag) {
		config.FailedMode = true
	}
	if config.Architecture == "" {
		log.Fatal("no architecture configured")
	}

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

	topic := queue.RetraceTopic(config.Architecture)
	if config.FailedMode {
		topic = queue.FailedRetraceTopic(config.Architecture)
	}
	consumer, err := pulsarQueue.Subscribe(topic, "retracers")
	if err != nil {
		log.WithError(err).Fatal("could not subscribe to retrace queue")
	}
	defer consumer.Close()

	apportRetracePath := config.ApportRetracePath
	if apportRetracePath == "" {
		apportRetracePath = "apport-retrace"
	}
	symbolicator := &retracer.ApportRetracer{
		Executable:      apportRetracePath,
		GdbPath:         config.GdbPath,
		SandboxPath:     config.SandboxPath,
		CachePath:       config.CachePath,
		CoreStoragePath: config.CoreStoragePath,
		Architecture:    config.Architecture,
	}

	worker := retracer.NewWorker(config, repo, bucketing.New(repo), pool, pulsarQueue, consumer, symbolicator)
	log.Infof("retracing %s from %s", config.Architecture, topic)
	if err := worker.Run(ctx); err != nil {
		log.WithError(err).Fatal("worker stopped")
	}
}
