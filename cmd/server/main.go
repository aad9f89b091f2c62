// Package main implements the LogCar HTTP façade (A4).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-units"
	"github.com/nats-io/nats.go"

	"github.com/logcario/logcar/internal/cache"
	"github.com/logcario/logcar/internal/changefeed"
	"github.com/logcario/logcar/internal/config"
	"github.com/logcario/logcar/internal/graphqlclient"
	"github.com/logcario/logcar/internal/offload"
	"github.com/logcario/logcar/internal/store"
	"github.com/logcario/logcar/pkg/metrics"
	"github.com/logcario/logcar/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	recordsCreated := reg.Counter("logcar_records_created_total", "records created")
	recordsRead := reg.Counter("logcar_records_read_total", "records read")
	recordsUpdated := reg.Counter("logcar_records_updated_total", "records updated")
	recordsDeleted := reg.Counter("logcar_records_deleted_total", "records deleted")
	readLatency := reg.Histogram("logcar_read_seconds", "read latency", nil)

	var sinks []store.FragmentSink
	var hub *changefeed.Hub
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, changefeed.NewNATSSink(nc, cfg.NATSSubjectPrefix))
	}
	hub = changefeed.NewHub(cfg.CORSOrigin)
	sinks = append(sinks, hub)

	emitter := store.NewEmitter(os.Stdout, sinks...)
	emitter.OnSinkError = func(err error) {
		logger.Error("change feed publish failed", "err", err)
	}

	searchClient := graphqlclient.New(graphqlclient.Config{
		Endpoint:      cfg.BackboardURL,
		DeploymentID:  cfg.DeploymentID,
		EnvironmentID: cfg.EnvironmentID,
	})

	readCache := cache.New(cfg.CacheBytes)

	var blobOffload store.BlobOffloader
	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = &cfg.S3Endpoint
			}
			if cfg.S3Region != "" {
				o.Region = cfg.S3Region
			}
		})
		blobOffload = offload.New(s3Client, cfg.S3Bucket, cfg.OffloadThreshold)
	}

	facade := store.NewFacade(store.Config{
		DeploymentID:      cfg.DeploymentID,
		EncryptionEnabled: cfg.EncryptionEnabled,
		EncryptionKey:     cfg.EncryptionKey,
		MaxChunkLength:    cfg.MaxChunkLength,
		MaxFragmentCount:  cfg.MaxFragmentCount,
		MaxLogRequestSize: cfg.MaxLogRequestSize,
	}, emitter, searchClient, readCache, blobOffload)

	srv := &server{
		facade:         facade,
		logger:         logger,
		metrics:        serverMetrics{recordsCreated, recordsRead, recordsUpdated, recordsDeleted, readLatency},
		maxUploadBytes: cfg.MaxUploadBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("POST /v1/records", srv.handleCreate)
	mux.HandleFunc("GET /v1/records/{rid}", srv.handleRead)
	mux.HandleFunc("PUT /v1/records/{rid}", srv.handleUpdate)
	mux.HandleFunc("DELETE /v1/records/{rid}", srv.handleDelete)
	mux.HandleFunc("POST /v1/records/{rid}/files/{name}", srv.handleFileUpload)
	mux.HandleFunc("GET /v1/records/{rid}/files/{name}", srv.handleFileDownload)
	mux.HandleFunc("GET /v1/watch", hub.ServeHTTP)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("logcar"),
	)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("logcar server starting", "addr", cfg.HTTPAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

type serverMetrics struct {
	recordsCreated *metrics.Counter
	recordsRead    *metrics.Counter
	recordsUpdated *metrics.Counter
	recordsDeleted *metrics.Counter
	readLatency    *metrics.Histogram
}

type server struct {
	facade         *store.Facade
	logger         *slog.Logger
	metrics        serverMetrics
	maxUploadBytes int64
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type createRequest struct {
	Value any    `json:"value"`
	Key   string `json:"key,omitempty"`
}

type recordResponse struct {
	RID        string `json:"rid"`
	Value      any    `json:"value"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrMissingDeploymentID):
		status = http.StatusPreconditionFailed
	case errors.Is(err, store.ErrDecryption):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, store.ErrSearchBackend), errors.Is(err, store.ErrFragmentSequence):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	rec, err := s.facade.Create(r.Context(), req.Value, store.WriteOpts{EncryptionKey: req.Key})
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.recordsCreated.Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{RID: rec.RID, Value: rec.Value})
}

func (s *server) handleRead(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	start := time.Now()
	rec, err := s.facade.Read(r.Context(), rid, store.WriteOpts{EncryptionKey: r.URL.Query().Get("key")})
	s.metrics.readLatency.Since(start)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.recordsRead.Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{RID: rec.RID, Value: rec.Value, Incomplete: rec.Incomplete})
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	rec, err := s.facade.Update(r.Context(), rid, req.Value, store.WriteOpts{EncryptionKey: req.Key})
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.recordsUpdated.Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{RID: rec.RID, Value: rec.Value})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if err := s.facade.Delete(r.Context(), rid); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.recordsDeleted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleFileUpload stores an uploaded file's bytes as the record's value,
// base64-free: the raw bytes are carried as a JSON string so they flow
// through C2/C4/A6 exactly like any other scalar payload.
func (s *server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	maxBytes := s.maxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		http.Error(w, `{"error":"invalid multipart form"}`, http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"missing file field"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := readAllFile(file)
	if err != nil {
		http.Error(w, `{"error":"failed to read upload"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("file upload received", "rid", rid, "filename", header.Filename, "size", units.HumanSize(float64(len(content))))

	value := map[string]any{
		"filename":    header.Filename,
		"contentType": header.Header.Get("Content-Type"),
		"content":     string(content),
	}
	rec, err := s.facade.Update(r.Context(), rid, value, store.WriteOpts{})
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.recordsUpdated.Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{RID: rec.RID})
}

func (s *server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	rec, err := s.facade.Read(r.Context(), rid, store.WriteOpts{})
	if err != nil {
		writeError(w, err)
		return
	}
	value, ok := rec.Value.(map[string]any)
	if !ok {
		http.Error(w, `{"error":"record is not a file"}`, http.StatusUnprocessableEntity)
		return
	}
	content, _ := value["content"].(string)
	contentType, _ := value["contentType"].(string)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Write([]byte(content))
}

func readAllFile(f multipart.File) ([]byte, error) {
	return io.ReadAll(f)
}
