package main

import (
	"logupload/internal/transport"
	"logupload/internal/transport/azblob"
	"logupload/internal/transport/gcs"
	transporthttp "logupload/internal/transport/http"
	"logupload/internal/transport/kafka"
	"logupload/internal/transport/mqtt"
	"logupload/internal/transport/nats"
	"logupload/internal/transport/s3"
)

// buildFactories maps destination URL schemes to transports.
func buildFactories() transport.Factories {
	httpFactory := transporthttp.NewFactory()
	mqttFactory := mqtt.NewFactory()
	return transport.Factories{
		"http":   httpFactory,
		"https":  httpFactory,
		"kafka":  kafka.NewFactory(),
		"nats":   nats.NewFactory(),
		"s3":     s3.NewFactory(),
		"gs":     gcs.NewFactory(),
		"azblob": azblob.NewFactory(),
		"mqtt":   mqttFactory,
		"mqtts":  mqttFactory,
	}
}
