package main

import (
	"os"
	"strconv"
	"time"
)

// Config is the environment-driven settings surface. None of these values
// change after startup.
type Config struct {
	ListenAddr string
	LogLevel   string

	S3Bucket        string
	AWSRegion       string
	ModelCacheDir   string
	DownloadTimeout time.Duration

	DefaultModel     string
	YOLOModelKey     string
	MaskRCNNKey      string
	MaskRCNNBackbone string

	ConfidenceThreshold float64
	NMSThreshold        float64
	MaxDetections       int
	Device              string

	ONNXRuntimeLib string
}

// LoadConfig reads settings from the environment, falling back to defaults.
func LoadConfig() *Config {
	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		S3Bucket:        getEnv("S3_BUCKET", "vertebrae-artifacts"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		ModelCacheDir:   getEnv("MODEL_CACHE_DIR", "/tmp/model_cache"),
		DownloadTimeout: getEnvDuration("S3_DOWNLOAD_TIMEOUT", 60*time.Second),

		DefaultModel:     getEnv("DEFAULT_MODEL", "yolo"),
		YOLOModelKey:     getEnv("YOLO_MODEL_KEY", "yolo_best.onnx"),
		MaskRCNNKey:      getEnv("MASKRCNN_MODEL_KEY", "maskrcnn_final.onnx"),
		MaskRCNNBackbone: getEnv("MASKRCNN_BACKBONE", "mask_rcnn_R_50_FPN_3x"),

		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.5),
		NMSThreshold:        getEnvFloat("NMS_THRESHOLD", 0.5),
		MaxDetections:       getEnvInt("MAX_DETECTIONS", 100),
		Device:              getEnv("DEVICE", "cpu"),

		ONNXRuntimeLib: getEnv("ONNXRUNTIME_LIB", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
