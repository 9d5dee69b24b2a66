// Package imagen generates persona photos through a Stable Diffusion
// WebUI txt2img endpoint with the hires fix enabled.
package imagen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"kindled/pkg/logger"
)

const (
	txt2imgPath    = "/sdapi/v1/txt2img"
	requestTimeout = 5 * time.Minute

	// Generated hires output is large; anything wider gets downscaled and
	// re-encoded before it is stored.
	maxDeliveredWidth = 1280
	jpegQuality       = 85
)

type Options struct {
	Width             int
	Height            int
	Steps             int
	HrScale           float64
	HrSecondPassSteps int
	CfgScale          float64
	HrCfg             float64
	SamplerName       string
	Scheduler         string
	NegativePrompt    string
}

type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
}

func NewClient(baseURL string, opts Options) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	SamplerName    string  `json:"sampler_name"`
	Scheduler      string  `json:"scheduler"`
	Seed           int     `json:"seed"`
	BatchSize      int     `json:"batch_size"`
	NIter          int     `json:"n_iter"`

	EnableHr           bool    `json:"enable_hr"`
	HrScale            float64 `json:"hr_scale"`
	HrSecondPassSteps  int     `json:"hr_second_pass_steps"`
	HrCfg              float64 `json:"hr_cfg"`
	DenoisingStrength  float64 `json:"denoising_strength"`
	HrResizeX          int     `json:"hr_resize_x"`
	HrResizeY          int     `json:"hr_resize_y"`

	SendImages bool `json:"send_images"`
	SaveImages bool `json:"save_images"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// Generate renders one image for the given tag list and returns it as
// JPEG bytes ready for storage.
func (c *Client) Generate(ctx context.Context, tags []string) ([]byte, error) {
	req := txt2imgRequest{
		Prompt:            strings.Join(tags, ", "),
		NegativePrompt:    c.opts.NegativePrompt,
		Width:             c.opts.Width,
		Height:            c.opts.Height,
		Steps:             c.opts.Steps,
		CfgScale:          c.opts.CfgScale,
		SamplerName:       c.opts.SamplerName,
		Scheduler:         c.opts.Scheduler,
		Seed:              -1,
		BatchSize:         1,
		NIter:             1,
		EnableHr:          true,
		HrScale:           c.opts.HrScale,
		HrSecondPassSteps: c.opts.HrSecondPassSteps,
		HrCfg:             c.opts.HrCfg,
		DenoisingStrength: 0.7,
		HrResizeX:         int(float64(c.opts.Width) * c.opts.HrScale),
		HrResizeY:         int(float64(c.opts.Height) * c.opts.HrScale),
		SendImages:        true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode txt2img request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+txt2imgPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("txt2img request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("txt2img returned %d: %s", resp.StatusCode, snippet)
	}

	var out txt2imgResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode txt2img response: %w", err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("txt2img returned no images")
	}

	raw, err := base64.StdEncoding.DecodeString(out.Images[0])
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	logger.Debugf("imagen: generated image in %s (%d bytes raw)", time.Since(start).Round(time.Millisecond), len(raw))

	return compress(raw)
}

// compress re-encodes the image as JPEG, downscaling when the hires pass
// produced something wider than we want to serve.
func compress(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode generated image: %w", err)
	}

	if img.Bounds().Dx() > maxDeliveredWidth {
		img = imaging.Resize(img, maxDeliveredWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
