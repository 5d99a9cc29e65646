package collab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// ImageFallback generates images with the keyless Pollinations service
type ImageFallback struct {
	baseURL string
	fetch   fetcher
}

// NewImageFallback creates a client for baseURL
func NewImageFallback(baseURL string, timeout time.Duration) *ImageFallback {
	return &ImageFallback{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		fetch:   newFetcher("image_fallback", timeout, 16<<20),
	}
}

// Generate renders a 512x512 image for prompt
func (f *ImageFallback) Generate(ctx context.Context, prompt string) (*models.ImageResult, error) {
	params := url.Values{}
	params.Set("width", "512")
	params.Set("height", "512")
	params.Set("nologo", "true")
	params.Set("seed", uuid.NewString())
	source := fmt.Sprintf("%s/prompt/%s?%s", f.baseURL, url.PathEscape(prompt), params.Encode())

	body, header, err := f.fetch.get(ctx, source)
	if err != nil {
		return nil, err
	}

	mime := header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(body)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, f.fetch.fail(ctx, models.CollabUnavailable, fmt.Errorf("unexpected content type %q", mime))
	}
	if len(body) == 0 {
		return nil, f.fetch.fail(ctx, models.CollabUnavailable, errors.New("empty image returned"))
	}

	return &models.ImageResult{
		MIME:   mime,
		Data:   base64.StdEncoding.EncodeToString(body),
		URL:    source,
		Prompt: prompt,
		Model:  "pollinations",
	}, nil
}
