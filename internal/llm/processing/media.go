package processing

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/pkg/api"
)

// MaxImageBytes bounds every image the gateway downloads.
const MaxImageBytes = 20 << 20

// Image is a decoded inline image.
type Image struct {
	MediaType string
	Data      string // base64, standard alphabet
}

// ParseDataURI splits data:[<media type>][;base64],<data>. Only base64
// payloads are accepted.
func ParseDataURI(uri string) (*Image, error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, fmt.Errorf("not a data URI")
	}
	comma := strings.Index(uri, ",")
	if comma == -1 {
		return nil, fmt.Errorf("invalid data URI")
	}

	meta := strings.Split(uri[len("data:"):comma], ";")
	mediaType := meta[0]
	if mediaType == "" {
		mediaType = "text/plain"
	}

	isBase64 := false
	for _, p := range meta[1:] {
		if p == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return nil, fmt.Errorf("only base64 data URIs are supported for images")
	}

	return &Image{MediaType: mediaType, Data: uri[comma+1:]}, nil
}

// DataURI encodes b64 as an inline URL.
func DataURI(mediaType, b64 string) string {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + b64
}

// LoadImage resolves a data URI or downloads a remote image.
func LoadImage(ctx context.Context, client httpclient.HTTPClient, url string) (*Image, error) {
	if strings.HasPrefix(url, "data:") {
		return ParseDataURI(url)
	}

	data, contentType, err := httpclient.Fetch(ctx, client, url, MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	return &Image{
		MediaType: contentType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}

// sniffBase64 guesses the media type of a base64 image from its header bytes.
func sniffBase64(b64 string) string {
	head := b64
	if len(head) > 44 {
		head = head[:44]
	}
	raw, err := base64.StdEncoding.DecodeString(head[:len(head)/4*4])
	if err != nil || len(raw) == 0 {
		return "image/png"
	}
	return http.DetectContentType(raw)
}

// ToFormat converts one image into the requested response format. A URL is
// downloaded when base64 is wanted; base64 becomes a data URI when a URL is
// wanted.
func ToFormat(ctx context.Context, client httpclient.HTTPClient, img api.ImageData, format string) (api.ImageData, error) {
	out := api.ImageData{RevisedPrompt: img.RevisedPrompt}

	switch format {
	case api.ImageFormatB64:
		if img.B64JSON != "" {
			out.B64JSON = img.B64JSON
			return out, nil
		}
		if img.URL == "" {
			return out, fmt.Errorf("image has neither url nor data")
		}
		loaded, err := LoadImage(ctx, client, img.URL)
		if err != nil {
			return out, err
		}
		out.B64JSON = loaded.Data
		return out, nil

	default:
		if img.URL != "" {
			out.URL = img.URL
			return out, nil
		}
		if img.B64JSON == "" {
			return out, fmt.Errorf("image has neither url nor data")
		}
		out.URL = DataURI(sniffBase64(img.B64JSON), img.B64JSON)
		return out, nil
	}
}

// NormalizeImages rewrites every entry of resp in place to the requested
// format. Exactly one of URL or B64JSON is set afterwards.
func NormalizeImages(ctx context.Context, client httpclient.HTTPClient, resp *api.ImageResponse, format string) error {
	for i, img := range resp.Data {
		converted, err := ToFormat(ctx, client, img, format)
		if err != nil {
			return err
		}
		resp.Data[i] = converted
	}
	return nil
}
