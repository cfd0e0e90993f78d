package main

import (
	"context"
	"encoding/gob"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"digitpad/internal/config"
	"digitpad/internal/dataset"
	"digitpad/internal/model"
	"digitpad/internal/predict"
	"digitpad/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	imagesURL := flag.String("images-url", "", "Override the image atlas URL")
	labelsURL := flag.String("labels-url", "", "Override the label stream URL")
	cacheDir := flag.String("cache-dir", "", "Directory caching downloaded assets")
	steps := flag.Int("steps", 0, "Number of training steps")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	valBatchSize := flag.Int("validation-batch-size", 0, "Validation batch size")
	valEvery := flag.Int("validation-every", 0, "Validate every N steps")
	lr := flag.Float64("learning-rate", 0, "SGD learning rate")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	backend := flag.String("backend", "", "Model backend: cnn or linear")
	weights := flag.String("weights", "", "Load CNN weights from this gob file")
	save := flag.String("save", "", "Save CNN weights here after training")
	predictPath := flag.String("predict", "", "Classify this PNG or JPEG after training")
	dotPath := flag.String("dot", "", "Write the CNN training graph in DOT format")
	skipTraining := flag.Bool("skip-training", false, "Only load weights and predict")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		ImagesURL:           *imagesURL,
		LabelsURL:           *labelsURL,
		CacheDir:            *cacheDir,
		Steps:               *steps,
		BatchSize:           *batchSize,
		ValidationBatchSize: *valBatchSize,
		ValidationEvery:     *valEvery,
		LearningRate:        *lr,
		Seed:                *seed,
		LogEvery:            *logEvery,
		Model:               *backend,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("host cpu=%q cores=%d avx2=%t backend=%s predict_workers=%d",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.Supports(cpuid.AVX2), cfg.Model, model.PredictWorkers)

	mdl, err := buildModel(cfg, *weights)
	if err != nil {
		log.Fatalf("build model: %v", err)
	}
	if closer, ok := mdl.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	if *dotPath != "" {
		if err := writeDot(mdl, *dotPath, cfg.BatchSize); err != nil {
			log.Fatalf("write graph: %v", err)
		}
		log.Printf("graph=%s", *dotPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*skipTraining && cfg.Steps > 0 {
		if err := train(ctx, cfg, mdl); err != nil {
			log.Fatalf("training failed: %v", err)
		}
	}

	if *save != "" {
		if err := saveWeights(mdl, *save); err != nil {
			log.Fatalf("save weights: %v", err)
		}
		log.Printf("saved=%s", *save)
	}

	if *predictPath != "" {
		f, err := os.Open(*predictPath)
		if err != nil {
			log.Fatalf("open image: %v", err)
		}
		defer f.Close()
		p, err := predict.Predictor{Model: mdl}.PredictReader(f)
		if err != nil {
			log.Fatalf("predict: %v", err)
		}
		log.Printf("image=%s digit=%d probability=%.4f", *predictPath, p.Digit, p.Probabilities[p.Digit])
	}
}

func buildModel(cfg *config.Config, weightsPath string) (model.Trainable, error) {
	if cfg.Model == config.BackendLinear {
		if weightsPath != "" {
			return nil, errors.New("-weights requires the cnn backend")
		}
		return model.NewLinear(dataset.NumClasses, dataset.ImageSize, cfg.LearningRate, cfg.Seed), nil
	}
	cnn := model.NewCNN(cfg.LearningRate)
	if weightsPath == "" {
		return cnn, nil
	}
	f, err := os.Open(weightsPath)
	if err != nil {
		return nil, errors.Wrap(err, "open weights")
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(cnn); err != nil {
		return nil, errors.Wrapf(err, "decode weights %s", weightsPath)
	}
	log.Printf("weights=%s loaded", weightsPath)
	return cnn, nil
}

func train(ctx context.Context, cfg *config.Config, mdl model.Trainable) error {
	var src dataset.Source = dataset.HTTPSource{
		Client:    &http.Client{Timeout: 5 * time.Minute},
		ImagesURL: cfg.ImagesURL,
		LabelsURL: cfg.LabelsURL,
	}
	if cfg.CacheDir != "" {
		src = dataset.CachedSource{Dir: cfg.CacheDir, Upstream: src}
	}
	store := dataset.NewStore(src, dataset.WithSeed(cfg.Seed))
	data, err := store.Load(ctx)
	if err != nil {
		return err
	}
	log.Printf("train=%d test=%d", data.Train.Size, data.Test.Size)

	var tr trainer.Trainer
	_, err = tr.Run(ctx, trainer.RunConfig{
		Steps:               cfg.Steps,
		BatchSize:           cfg.BatchSize,
		ValidationBatchSize: cfg.ValidationBatchSize,
		ValidationEvery:     cfg.ValidationEvery,
		LearningRate:        cfg.LearningRate,
		LogEvery:            cfg.LogEvery,
		OnProgress: func(r trainer.Record) {
			log.Printf("step=%d loss=%.4f validation_accuracy=%.4f", r.Step, r.Loss, *r.Accuracy)
		},
	}, data, mdl)
	return err
}

func saveWeights(mdl model.Trainable, path string) error {
	cnn, ok := mdl.(*model.CNN)
	if !ok {
		return errors.New("-save requires the cnn backend")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := gob.NewEncoder(f).Encode(cnn); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

func writeDot(mdl model.Trainable, path string, batch int) error {
	cnn, ok := mdl.(*model.CNN)
	if !ok {
		return errors.New("-dot requires the cnn backend")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := cnn.WriteDot(f, batch); err != nil {
		f.Close()
		return err
	}
	return errors.WithStack(f.Close())
}
