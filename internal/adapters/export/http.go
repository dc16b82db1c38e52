package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("export: zstd encoder initialization failed: " + err.Error())
	}
}

// batchPutRequest mirrors the BatchPutAssetPropertyValue request body.
type batchPutRequest struct {
	Entries []putEntry `json:"entries"`
}

type putEntry struct {
	EntryID        string          `json:"entryId"`
	PropertyAlias  string          `json:"propertyAlias"`
	PropertyValues []propertyValue `json:"propertyValues"`
}

type propertyValue struct {
	Value     variant           `json:"value"`
	Timestamp domain.IngestTime `json:"timestamp"`
	Quality   domain.Quality    `json:"quality"`
}

type variant struct {
	DoubleValue float64 `json:"doubleValue"`
}

type batchPutResponse struct {
	ErrorEntries []struct {
		EntryID string `json:"entryId"`
		Errors  []struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		} `json:"errors"`
	} `json:"errorEntries"`
}

// HTTPConsumer posts batches as JSON to an ingestion endpoint.
type HTTPConsumer struct {
	endpoint string
	cfg      HTTPConfig
	client   *http.Client
	obs      ports.Observability
}

func NewHTTPConsumer(endpoint string, cfg HTTPConfig, obs ports.Observability) *HTTPConsumer {
	return &HTTPConsumer{
		endpoint: endpoint,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		obs:      obs,
	}
}

func (h *HTTPConsumer) Name() string { return "http" }

func encodeBatch(batch []domain.BufferedMessage) ([]byte, error) {
	req := batchPutRequest{Entries: make([]putEntry, 0, len(batch))}
	for _, m := range batch {
		req.Entries = append(req.Entries, putEntry{
			EntryID:       m.EntryID,
			PropertyAlias: m.PropertyAlias,
			PropertyValues: []propertyValue{{
				Value:     variant{DoubleValue: m.Value},
				Timestamp: m.IngestTime,
				Quality:   m.Quality,
			}},
		})
	}
	return json.Marshal(req)
}

// Export sends one request per batch. 2xx acknowledges the batch; entries
// the endpoint lists as failed are dead-lettered. Other 4xx responses,
// except 408 and 429, reject the batch. Everything else is retried.
func (h *HTTPConsumer) Export(ctx context.Context, batch []domain.BufferedMessage) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %v", domain.ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRejected, err)
	}
	if h.cfg.Compression == "zstd" {
		body = zstdEncoder.EncodeAll(body, nil)
		req.Header.Set("Content-Encoding", "zstd")
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http export: %w", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		h.deadLetterErrorEntries(payload)
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("http export: status %d", code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: http status %d: %s", domain.ErrRejected, code, bytes.TrimSpace(payload))
	default:
		return fmt.Errorf("http export: status %d", code)
	}
}

func (h *HTTPConsumer) deadLetterErrorEntries(payload []byte) {
	if len(payload) == 0 || h.obs == nil {
		return
	}
	var resp batchPutResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	for _, e := range resp.ErrorEntries {
		msg := "rejected by endpoint"
		if len(e.Errors) > 0 {
			msg = e.Errors[0].ErrorCode + ": " + e.Errors[0].ErrorMessage
		}
		h.obs.RecordDLQ(e.EntryID, fmt.Errorf("%w: %s", domain.ErrRejected, msg))
	}
}

var _ ports.Consumer = (*HTTPConsumer)(nil)
