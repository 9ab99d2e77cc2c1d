package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const describePrompt = `Describe this image for a document search index.
Mention any visible text verbatim, the kind of image (photo, diagram, chart, screenshot),
and the main subjects. Answer in plain prose without preamble.`

// ImageDescriber turns images into searchable text with a vision model.
type ImageDescriber struct {
	vision  Vision
	timeout time.Duration
	opts    CompletionOptions
}

// NewImageDescriber returns a describer backed by svc, or false when the
// service cannot take images.
func NewImageDescriber(svc Service, timeout time.Duration) (*ImageDescriber, bool) {
	v, ok := svc.(Vision)
	if !ok {
		return nil, false
	}
	return &ImageDescriber{
		vision:  v,
		timeout: timeout,
		opts:    CompletionOptions{Temperature: 0, MaxTokens: 512},
	}, true
}

// Describe reads the image at imagePath and returns the model's description.
func (d *ImageDescriber) Describe(ctx context.Context, imagePath, mediaType string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	text, err := d.vision.CompleteImage(ctx, describePrompt, Image{Data: data, MediaType: mediaType}, d.opts)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty image description")
	}
	return text, nil
}
