package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/spinevision/vertebrae-segmentation-service/detections"
	"github.com/spinevision/vertebrae-segmentation-service/postprocess"
	"github.com/spinevision/vertebrae-segmentation-service/storage"
)

func main() {
	cfg := LoadConfig()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("service", "vertebrae-segmentation")

	cleanup, err := initONNXRuntime(cfg.ONNXRuntimeLib)
	if err != nil {
		log.WithError(err).Fatal("ONNX Runtime initialization failed")
	}
	defer cleanup()

	fetcher, err := storage.NewS3Fetcher(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.WithError(err).Fatal("S3 client initialization failed")
	}
	cache := storage.NewCache(fetcher, cfg.S3Bucket, cfg.ModelCacheDir, cfg.DownloadTimeout, log)

	detectorCfg := detections.DetectorConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NMSThreshold:        cfg.NMSThreshold,
		MaxDetections:       cfg.MaxDetections,
		Device:              cfg.Device,
	}

	yoloCfg := detectorCfg
	yoloCfg.ArtifactKey = cfg.YOLOModelKey
	maskrcnnCfg := detectorCfg
	maskrcnnCfg.ArtifactKey = cfg.MaskRCNNKey

	registry, err := detections.NewRegistry(cfg.DefaultModel, map[string]detections.Detector{
		"yolo":     detections.NewYOLODetector(yoloCfg, cache, log),
		"maskrcnn": detections.NewMaskRCNNDetector(maskrcnnCfg, cfg.MaskRCNNBackbone, cache, log),
	}, log)
	if err != nil {
		log.WithError(err).Fatal("registry initialization failed")
	}

	processor := &postprocess.Processor{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		OverlapThreshold:    cfg.NMSThreshold,
		MaxDetections:       cfg.MaxDetections,
		Labels:              detections.VertebraClasses,
	}

	svc := NewService(registry, processor, log)

	r := mux.NewRouter()
	r.HandleFunc("/predict", handlePredict(svc)).Methods("POST")
	r.HandleFunc("/predict/visualize", handlePredictVisualize(svc)).Methods("POST")
	r.HandleFunc("/models", handleListModels(svc)).Methods("GET")
	r.HandleFunc("/models/{id}", handleDescribeModel(svc)).Methods("GET")
	r.HandleFunc("/health", handleHealth(svc)).Methods("GET")

	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.ListenAddr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.WithField("addr", cfg.ListenAddr).Info("starting server")
	log.Fatal(srv.ListenAndServe())
}
