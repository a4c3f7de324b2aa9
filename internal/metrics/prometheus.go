package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "latentforge"

var (
	TrainSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "train_steps_total",
		Help:      "Optimizer steps taken, including steps skipped on fp16 overflow",
	})

	TrainSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "train_samples_total",
		Help:      "Images consumed by the training loop",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "train_loss",
		Help:      "Weighted loss of the most recent step",
	})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "learning_rate",
		Help:      "Learning rate applied at the most recent step",
	})

	LossScale = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fp16_lg_loss_scale",
		Help:      "log2 of the dynamic fp16 loss scale",
	})

	SkippedSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fp16_skipped_steps_total",
		Help:      "Steps skipped because gradients overflowed",
	})

	DataWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "data_wait_seconds",
		Help:      "Time spent waiting for the next batch",
		Buckets:   prometheus.DefBuckets,
	})

	ComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "compute_seconds",
		Help:      "Time spent in the forward and backward pass of one step",
		Buckets:   prometheus.DefBuckets,
	})

	EmbeddedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedded_batches_total",
		Help:      "Batches converted to latent embeddings",
	}, []string{"tokenizer"})

	EmbedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "embed_seconds",
		Help:      "Tokenizer forward time per batch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"tokenizer"})

	Checkpoints = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_saved_total",
		Help:      "Checkpoint bundles written",
	})
)
