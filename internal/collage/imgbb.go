package collage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

const defaultUploadURL = "https://api.imgbb.com/1/upload"

// ImgBB uploads composed collages and returns a publicly hosted URL the
// publish provider can pull from.
type ImgBB struct {
	apiKey    string
	uploadURL string
	http      *http.Client
	log       logx.Logger
}

func NewImgBB(apiKey, uploadURL string, log logx.Logger) (*ImgBB, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("collage: imgbb api key is required")
	}
	if strings.TrimSpace(uploadURL) == "" {
		uploadURL = defaultUploadURL
	}
	return &ImgBB{
		apiKey:    apiKey,
		uploadURL: uploadURL,
		http:      &http.Client{Timeout: 60 * time.Second},
		log:       log,
	}, nil
}

func (u *ImgBB) Upload(ctx context.Context, jpegData []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormField("image")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write([]byte(base64.StdEncoding.EncodeToString(jpegData))); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL+"?key="+u.apiKey, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("collage: upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("collage: upload response: %w", err)
	}
	if out.Data.URL == "" {
		return "", errors.New("collage: upload response missing url")
	}
	if !u.log.IsZero() {
		u.log.Debug("collage uploaded", logx.String("url", out.Data.URL))
	}
	return out.Data.URL, nil
}
