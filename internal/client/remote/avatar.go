package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const avatarTimeout = 10 * time.Second

// FetchAvatar loads an avatar image. The direct URL is tried once; when that
// fails the service's image proxy is asked instead. Relative URLs resolve
// against the service.
func (c *Client) FetchAvatar(ctx context.Context, avatarURL string) ([]byte, string, error) {
	avatarURL = strings.TrimSpace(avatarURL)
	if avatarURL == "" {
		return nil, "", fmt.Errorf("fetch avatar: empty url")
	}
	if strings.HasPrefix(avatarURL, "/") {
		avatarURL = c.baseURL + avatarURL
	}

	data, contentType, err := c.fetchImage(ctx, c.images.R(), avatarURL)
	if err == nil {
		return data, contentType, nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	zap.L().Debug("direct avatar fetch failed, using proxy", zap.String("url", avatarURL), zap.Error(err))

	data, contentType, err = c.fetchImage(ctx, c.http.R().SetQueryParam("url", avatarURL), "/proxy/image")
	if err != nil {
		return nil, "", fmt.Errorf("fetch avatar via proxy: %w", err)
	}
	return data, contentType, nil
}

func (c *Client) fetchImage(ctx context.Context, req *resty.Request, target string) ([]byte, string, error) {
	resp, err := req.SetContext(ctx).Get(target)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, "", &APIError{Op: "fetch image", StatusCode: resp.StatusCode(), Body: resp.Status()}
	}
	data := resp.Body()
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		sniffed := mimetype.Detect(data).String()
		if !strings.HasPrefix(sniffed, "image/") {
			return nil, "", fmt.Errorf("fetch image: not an image (%s)", sniffed)
		}
		contentType = sniffed
	}
	return data, contentType, nil
}
