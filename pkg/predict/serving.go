package predict

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// ServingConfig describes a model hosted behind a TensorFlow-Serving style
// REST endpoint
type ServingConfig struct {
	// URL is the server base URL, e.g. http://localhost:8501
	URL string

	// ModelName is the served model name
	ModelName string

	// Channels is the number of class scores per voxel in the response
	Channels int

	// Timeout bounds each request; 0 means no timeout
	Timeout time.Duration
}

// ServingPredictor sends blocks to a model server over HTTP
type ServingPredictor struct {
	config ServingConfig
	client *http.Client
}

type predictRequest struct {
	Instances [][][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][][][][]float32 `json:"predictions"`
	Error       string            `json:"error,omitempty"`
}

// NewServingPredictor creates a predictor for the configured endpoint
func NewServingPredictor(config ServingConfig) *ServingPredictor {
	return &ServingPredictor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (p *ServingPredictor) modelURL() string {
	return strings.TrimRight(p.config.URL, "/") + "/v1/models/" + p.config.ModelName
}

// Channels returns the number of class scores per voxel
func (p *ServingPredictor) Channels() int {
	return p.config.Channels
}

// Predict posts one batch of blocks and flattens the returned scores
func (p *ServingPredictor) Predict(features []float32, batch int, block [3]int) ([]float32, error) {
	vox := block[0] * block[1] * block[2]
	if len(features) != batch*vox {
		return nil, errors.Errorf("got %d features for %d blocks of %v", len(features), batch, block)
	}

	req := predictRequest{Instances: make([][][][][]float32, batch)}
	n := 0
	for b := range req.Instances {
		inst := make([][][][]float32, block[0])
		for i := range inst {
			inst[i] = make([][][]float32, block[1])
			for j := range inst[i] {
				inst[i][j] = make([][]float32, block[2])
				for k := range inst[i][j] {
					inst[i][j][k] = []float32{features[n]}
					n++
				}
			}
		}
		req.Instances[b] = inst
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	httpReq, err := http.NewRequest(http.MethodPost, p.modelURL()+":predict", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if result.Error != "" {
		return nil, fmt.Errorf("inference failed: %s", result.Error)
	}

	return flattenPredictions(result.Predictions, batch, block, p.config.Channels)
}

// flattenPredictions checks the nested response shape and lays it out C-order
func flattenPredictions(preds [][][][][]float32, batch int, block [3]int, channels int) ([]float32, error) {
	if len(preds) != batch {
		return nil, errors.Errorf("response has %d predictions, expected %d", len(preds), batch)
	}

	out := make([]float32, 0, batch*block[0]*block[1]*block[2]*channels)
	for _, p := range preds {
		if len(p) != block[0] {
			return nil, errors.Errorf("prediction x extent %d, expected %d", len(p), block[0])
		}
		for _, px := range p {
			if len(px) != block[1] {
				return nil, errors.Errorf("prediction y extent %d, expected %d", len(px), block[1])
			}
			for _, py := range px {
				if len(py) != block[2] {
					return nil, errors.Errorf("prediction z extent %d, expected %d", len(py), block[2])
				}
				for _, scores := range py {
					if len(scores) != channels {
						return nil, errors.Errorf("prediction has %d channels, expected %d", len(scores), channels)
					}
					out = append(out, scores...)
				}
			}
		}
	}
	return out, nil
}

// CheckHealth verifies the model is available on the server
func (p *ServingPredictor) CheckHealth() error {
	resp, err := p.client.Get(p.modelURL())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server unhealthy: %d", resp.StatusCode)
	}
	return nil
}
