package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// JobInfo identifies one queued ingestion job.
type JobInfo struct {
	JobID     string `json:"job_id"`
	FileName  string `json:"file_name"`
	SavedPath string `json:"saved_path"`
	SHA256    string `json:"sha256"`
}

// UploadResponse is the backend's acknowledgement of an upload batch.
type UploadResponse struct {
	Message string    `json:"message"`
	Jobs    []JobInfo `json:"jobs"`
}

// UploadDocuments posts the given files as one multipart batch and
// returns the queued jobs. Ingestion itself happens asynchronously;
// poll the returned job ids for progress.
func (c *Client) UploadDocuments(ctx context.Context, paths []string) (*UploadResponse, error) {
	if len(paths) == 0 {
		return nil, errors.New("no files to upload")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", path)
		}
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "creating form file")
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		_ = f.Close()
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "finalizing multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/upload-documents", &body)
	if err != nil {
		return nil, errors.Wrap(err, "building upload request")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "uploading documents")
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading upload response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail != "" {
			return nil, errors.New(errResp.Detail)
		}
		return nil, errors.Errorf("upload returned status %d", resp.StatusCode)
	}

	var uploadResp UploadResponse
	if err := json.Unmarshal(respBody, &uploadResp); err != nil {
		return nil, errors.Wrap(err, "decoding upload response")
	}
	return &uploadResp, nil
}
