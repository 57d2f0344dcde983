package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const streamTextPath = "/v1/query/stream-text"

const chunkSize = 4096

// ChunkStream speaks the plain-text protocol: a POST with the query in
// a JSON body, answered with a chunked text/plain stream. Every read
// chunk becomes one token; there are no citations on this wire.
type ChunkStream struct {
	cfg Config
}

func NewChunkStream(cfg Config) *ChunkStream {
	return &ChunkStream{cfg: cfg}
}

var _ Transport = (*ChunkStream)(nil)

func (t *ChunkStream) Open(ctx context.Context, query string, cb Callbacks) (Handle, error) {
	if t.cfg.Token == "" {
		return nil, ErrNotAuthenticated
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, errors.Wrap(err, "encoding query")
	}

	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + streamTextPath

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "building stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)

	resp, err := t.cfg.httpClient().Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "opening text stream")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if detail := errorDetail(body); detail != "" {
			return nil, errors.New(detail)
		}
		return nil, errors.Errorf("text stream returned status %d", resp.StatusCode)
	}

	h := &streamHandle{cancel: cancel}
	h.cb = cb
	go streamChunks(h, resp)
	return h, nil
}

func streamChunks(h *streamHandle, resp *http.Response) {
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	var full strings.Builder
	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			tok := string(buf[:n])
			full.WriteString(tok)
			h.token(tok)
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			h.end(full.String())
			return
		}
		if h.isClosed() {
			log.Debug().Msg("chunk reader stopped after close")
			return
		}
		log.Warn().Err(err).Msg("text stream read failed")
		h.error(connectionLost)
		return
	}
}
