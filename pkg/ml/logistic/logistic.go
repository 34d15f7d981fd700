package logistic

import (
	"math"
	"sort"
)

type Options struct {
	Epochs       int
	LearningRate float64
	L2           float64
}

type Weights struct {
	Bias         float64   `json:"bias"`
	Coefficients []float64 `json:"coefficients"`
}

type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	AUROC    float64 `json:"auroc"`
}

// Train fits a logistic regression by full-batch gradient descent. The
// optional sampleWeights rebalance skewed outcome labels; pass nil for
// uniform weighting. Training is deterministic: no random initialization,
// no shuffling.
func Train(samples [][]float64, labels []float64, sampleWeights []float64, opts Options) (Weights, Metrics) {
	if opts.Epochs <= 0 {
		opts.Epochs = 200
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.01
	}

	n := len(samples)
	if n == 0 {
		return Weights{}, Metrics{}
	}
	if sampleWeights == nil {
		sampleWeights = make([]float64, n)
		for i := range sampleWeights {
			sampleWeights[i] = 1
		}
	}
	var totalWeight float64
	for _, w := range sampleWeights {
		totalWeight += w
	}

	featureCount := len(samples[0])
	weights := make([]float64, featureCount)
	var bias float64

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		grad := make([]float64, featureCount)
		var biasGrad float64
		for i, sample := range samples {
			prediction := Sigmoid(dot(weights, sample) + bias)
			residual := (prediction - labels[i]) * sampleWeights[i]
			for j := 0; j < featureCount; j++ {
				grad[j] += residual * sample[j]
			}
			biasGrad += residual
		}
		for j := 0; j < featureCount; j++ {
			weights[j] -= opts.LearningRate * (grad[j]/totalWeight + opts.L2*weights[j])
		}
		bias -= opts.LearningRate * biasGrad / totalWeight
	}

	metrics := evaluate(weights, bias, samples, labels)
	return Weights{Bias: bias, Coefficients: weights}, metrics
}

// Margin returns the pre-sigmoid linear score.
func Margin(weights Weights, sample []float64) float64 {
	return dot(weights.Coefficients, sample) + weights.Bias
}

func Predict(weights Weights, sample []float64) float64 {
	return Sigmoid(Margin(weights, sample))
}

// BalancedWeights assigns each sample the inverse frequency of its class,
// so minority outcomes are not drowned out during training.
func BalancedWeights(labels []float64) []float64 {
	var positives float64
	for _, y := range labels {
		if y == 1 {
			positives++
		}
	}
	n := float64(len(labels))
	negatives := n - positives
	if positives == 0 || negatives == 0 {
		out := make([]float64, len(labels))
		for i := range out {
			out[i] = 1
		}
		return out
	}
	out := make([]float64, len(labels))
	for i, y := range labels {
		if y == 1 {
			out[i] = n / (2 * positives)
		} else {
			out[i] = n / (2 * negatives)
		}
	}
	return out
}

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func dot(weights []float64, sample []float64) float64 {
	var sum float64
	for i := 0; i < len(weights); i++ {
		sum += weights[i] * sample[i]
	}
	return sum
}

func evaluate(weights []float64, bias float64, samples [][]float64, labels []float64) Metrics {
	var loss float64
	var correct int
	scores := make([]float64, len(samples))
	for i, sample := range samples {
		p := Sigmoid(dot(weights, sample) + bias)
		scores[i] = p
		loss += -labels[i]*math.Log(p+1e-9) - (1-labels[i])*math.Log(1-p+1e-9)
		if (p >= 0.5 && labels[i] == 1) || (p < 0.5 && labels[i] == 0) {
			correct++
		}
	}
	return Metrics{
		Loss:     loss / float64(len(samples)),
		Accuracy: float64(correct) / float64(len(samples)),
		AUROC:    AUROC(scores, labels),
	}
}

// AUROC computes the area under the ROC curve by the rank statistic, with
// midranks for tied scores.
func AUROC(scores, labels []float64) float64 {
	type pair struct {
		score float64
		label float64
	}
	pairs := make([]pair, len(scores))
	for i := range scores {
		pairs[i] = pair{scores[i], labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	ranks := make([]float64, len(pairs))
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			j++
		}
		mid := float64(i+j+1) / 2 // 1-based midrank
		for k := i; k < j; k++ {
			ranks[k] = mid
		}
		i = j
	}

	var positives, rankSum float64
	for i, p := range pairs {
		if p.label == 1 {
			positives++
			rankSum += ranks[i]
		}
	}
	negatives := float64(len(pairs)) - positives
	if positives == 0 || negatives == 0 {
		return 0.5
	}
	return (rankSum - positives*(positives+1)/2) / (positives * negatives)
}
