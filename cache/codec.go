package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

const encodingBrotli = "br"

type snapshot struct {
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header"`
	Body     []byte              `json:"body"`
	Encoding string              `json:"encoding,omitempty"`
	Type     types.ResponseType  `json:"type"`
	URL      string              `json:"url"`
	StoredAt time.Time           `json:"stored_at"`
}

// Codec serializes response snapshots for backends that store bytes.
// Bodies at or above Threshold are brotli-compressed; zero disables compression.
type Codec struct {
	Threshold int
}

func (c Codec) Encode(resp *types.Response) ([]byte, error) {
	snap := snapshot{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Type:     resp.Type,
		URL:      resp.URL,
		StoredAt: resp.StoredAt,
	}

	if c.Threshold > 0 && len(resp.Body) >= c.Threshold {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(resp.Body); err != nil {
			return nil, types.WrapError(err, "failed to compress body")
		}
		if err := w.Close(); err != nil {
			return nil, types.WrapError(err, "failed to compress body")
		}

		snap.Body = buf.Bytes()
		snap.Encoding = encodingBrotli
	}

	return utils.Marshal(&snap)
}

func (c Codec) Decode(data []byte) (*types.Response, error) {
	var snap snapshot
	if err := utils.Unmarshal(data, &snap); err != nil {
		return nil, types.Errorf(types.ErrSnapshotCorrupted, "%v", err)
	}

	body := snap.Body
	switch snap.Encoding {
	case "":
	case encodingBrotli:
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(snap.Body)))
		if err != nil {
			return nil, types.Errorf(types.ErrSnapshotCorrupted, "brotli: %v", err)
		}
		body = decoded
	default:
		return nil, types.Errorf(types.ErrSnapshotCorrupted, "unknown encoding %q", snap.Encoding)
	}

	if body == nil {
		body = []byte{}
	}

	return &types.Response{
		Status:   snap.Status,
		Header:   http.Header(snap.Header),
		Body:     body,
		Type:     snap.Type,
		URL:      snap.URL,
		StoredAt: snap.StoredAt,
	}, nil
}
