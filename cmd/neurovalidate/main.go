package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"neurovalidate/internal/models"
	"neurovalidate/pkg/config"
	"neurovalidate/pkg/logging"
	"neurovalidate/pkg/predict"
	"neurovalidate/pkg/validation"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "neurovalidate.yaml", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write a default configuration to -config and exit")
	pairsFile := flag.String("pairs", "", "CSV file of volume,label path pairs")
	volume := flag.String("volume", "", "Single input volume (with -label)")
	label := flag.String("label", "", "Ground-truth label volume for -volume")
	mapping := flag.String("mapping", "", "CSV file mapping raw labels to class ids")
	nClasses := flag.Int("n-classes", 0, "Number of classes the model predicts")
	modelPath := flag.String("model", "", "ONNX model file")
	servingURL := flag.String("serving-url", "", "Model server base URL (selects the serving backend)")
	nSamples := flag.Int("n-samples", 0, "Number of Monte-Carlo samples per block")
	returnVariance := flag.Bool("variance", false, "Write the per-voxel variance (needs -n-samples > 1)")
	returnEntropy := flag.Bool("entropy", false, "Write the per-voxel entropy")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags given on the command line override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mapping":
			cfg.Validation.Mapping = *mapping
		case "n-classes":
			cfg.Validation.NClasses = *nClasses
		case "model":
			cfg.Model.Path = *modelPath
			cfg.Model.Backend = config.BackendONNX
		case "serving-url":
			cfg.Model.ServingURL = *servingURL
			cfg.Model.Backend = config.BackendServing
		case "n-samples":
			cfg.Prediction.NSamples = *nSamples
		case "variance":
			cfg.Prediction.ReturnVariance = *returnVariance
		case "entropy":
			cfg.Prediction.ReturnEntropy = *returnEntropy
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var pairs []models.Pair
	switch {
	case *pairsFile != "":
		pairs, err = validation.ReadPairs(*pairsFile)
		if err != nil {
			logger.Fatal("failed to read pairs", zap.String("path", *pairsFile), zap.Error(err))
		}
	case *volume != "" && *label != "":
		pairs = []models.Pair{{Volume: *volume, Label: *label}}
	default:
		flag.Usage()
		os.Exit(1)
	}

	params, err := newParams(cfg)
	if err != nil {
		logger.Fatal("invalid prediction settings", zap.Error(err))
	}

	predictor, closePredictor, err := newPredictor(cfg)
	if err != nil {
		logger.Fatal("failed to create predictor", zap.String("backend", cfg.Model.Backend), zap.Error(err))
	}
	defer closePredictor()

	validator := validation.NewValidator(predictor, params, logger)

	logger.Info("starting validation",
		zap.Int("pairs", len(pairs)),
		zap.String("backend", cfg.Model.Backend),
		zap.Int("classes", params.NClasses))
	start := time.Now()

	if _, err := validator.ValidateFilepaths(pairs); err != nil {
		closePredictor()
		logger.Fatal("validation failed", zap.Error(err))
	}

	logger.Info("validation completed", zap.Duration("elapsed", time.Since(start)))
}

// newPredictor builds the configured model backend and its cleanup function
func newPredictor(cfg *config.Config) (predict.Predictor, func(), error) {
	switch cfg.Model.Backend {
	case config.BackendServing:
		p := predict.NewServingPredictor(predict.ServingConfig{
			URL:       cfg.Model.ServingURL,
			ModelName: cfg.Model.ServingName,
			Channels:  cfg.Model.Channels,
			Timeout:   time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
		})
		if err := p.CheckHealth(); err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil

	default:
		p, err := predict.NewONNXPredictor(predict.ONNXConfig{
			ModelPath:         cfg.Model.Path,
			SharedLibraryPath: cfg.Model.SharedLibraryPath,
			InputName:         cfg.Model.InputName,
			OutputName:        cfg.Model.OutputName,
			BatchSize:         cfg.Prediction.BatchSize,
			BlockShape:        cfg.Prediction.BlockShape,
			Channels:          cfg.Model.Channels,
			Dtype:             cfg.Prediction.Dtype,
			IntraOpThreads:    cfg.Model.IntraOpThreads,
		})
		if err != nil {
			return nil, nil, err
		}
		closed := false
		return p, func() {
			if !closed {
				closed = true
				if err := p.Close(); err != nil {
					log.Printf("Warning: failed to release ONNX session: %v", err)
				}
			}
		}, nil
	}
}

// newParams translates the configuration into validation parameters
func newParams(cfg *config.Config) (*validation.Params, error) {
	normalizer, err := predict.NormalizerByName(cfg.Prediction.Normalizer)
	if err != nil {
		return nil, err
	}

	opts := predict.Options{
		BlockShape:     cfg.Prediction.BlockShape,
		ReturnVariance: cfg.Prediction.ReturnVariance,
		ReturnEntropy:  cfg.Prediction.ReturnEntropy,
		ArrayForm:      cfg.Prediction.ReturnArrayFromImages,
		NSamples:       cfg.Prediction.NSamples,
		Normalizer:     normalizer,
		BatchSize:      cfg.Prediction.BatchSize,
		Activation:     cfg.Model.Activation,
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &validation.Params{
		NClasses:    cfg.Validation.NClasses,
		MappingPath: cfg.Validation.Mapping,
		Options:     opts,
		PlotDice:    cfg.Output.PlotDice,
		Previews:    cfg.Output.Previews,
	}, nil
}
