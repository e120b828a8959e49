// Copyright 2026 The Kiln Authors
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

package kiln

import "github.com/prometheus/client_golang/prometheus"

var (
	modelLoadOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "model_load_ops_total",
			Help:      "The total number of model load attempts, by model and outcome.",
		},
		[]string{"model", "outcome"},
	)

	modelUnloadOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "model_unload_ops_total",
			Help:      "The total number of model unloads, by model.",
		},
		[]string{"model"},
	)

	inferenceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "inference_ops_total",
			Help:      "The total number of backend inference calls, by model.",
		},
		[]string{"model"},
	)

	cancellationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "cancellation_ops_total",
			Help:      "The total number of generateImages calls terminated by the progress callback.",
		},
	)

	safetyRejectionOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "safety_rejection_ops_total",
			Help:      "The total number of images replaced with null by the safety checker.",
		},
	)

	imageGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kiln",
			Subsystem: "pipeline",
			Name:      "image_generation_duration_seconds",
			Help:      "Wall-clock time to generate one image, from initial latent to decode.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(modelLoadOps)
	prometheus.MustRegister(modelUnloadOps)
	prometheus.MustRegister(inferenceOps)
	prometheus.MustRegister(cancellationOps)
	prometheus.MustRegister(safetyRejectionOps)
	prometheus.MustRegister(imageGenerationDuration)
}

// recordModelLoad records the outcome of a load attempt for model.
func recordModelLoad(model string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	modelLoadOps.WithLabelValues(model, outcome).Inc()
}

// recordModelUnload records an unload of model.
func recordModelUnload(model string) {
	modelUnloadOps.WithLabelValues(model).Inc()
}

// recordInference records one backend inference call against model.
func recordInference(model string) {
	inferenceOps.WithLabelValues(model).Inc()
}

// recordCancellation records a generateImages call cut short by progress.
func recordCancellation() {
	cancellationOps.Inc()
}

// recordSafetyRejection records one image replaced with null by the safety
// checker.
func recordSafetyRejection() {
	safetyRejectionOps.Inc()
}

// recordImageGenerationDuration records the wall-clock cost of one image.
func recordImageGenerationDuration(seconds float64) {
	imageGenerationDuration.Observe(seconds)
}
