// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import "time"

type Mode string

const (
	ModeDetect Mode = "detect"
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
	// ModeOff installs nothing; the global no-op providers stay in place.
	ModeOff Mode = "off"
)

type Config struct {
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"gateway"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment    string `env:"ENVIRONMENT" envDefault:"local"`

	// Either a full URL or host:port. When empty the exporters read
	// OTEL_EXPORTER_OTLP_(TRACES_)ENDPOINT themselves.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:"otel-collector:4317"`

	Insecure bool `env:"OTEL_EXPORTER_OTLP_TRACES_INSECURE"`

	// "grpc" or "http/protobuf"; metrics fall back to it when
	// OTEL_EXPORTER_OTLP_METRICS_PROTOCOL is unset.
	Protocol        string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"http/protobuf"`
	MetricsProtocol string `env:"OTEL_EXPORTER_OTLP_METRICS_PROTOCOL"`
	MetricsEndpoint string `env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`

	// 0..1: sampling ratio (0=never,1=all,else parentbased+ratio).
	SamplerRatio float64 `env:"OTEL_SAMPLER_RATIO" envDefault:"1"`

	StartupTimeout time.Duration `env:"OTEL_STARTUP_TIMEOUT" envDefault:"5s"`

	// How to interact with Go auto-instrumentation / Auto SDK.
	Mode Mode `env:"OTEL_MODE" envDefault:"detect"`

	DisableMetrics bool `env:"OTEL_DISABLE_METRICS"`

	// Export interval of the periodic metric reader.
	MetricInterval time.Duration `env:"OTEL_METRIC_EXPORT_INTERVAL" envDefault:"30s"`

	// Extra resource attributes.
	ResourceAttrs map[string]string `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"deployment.environment=local,service.version=dev" envSeparator:"," envKeyValSeparator:"="`
}
