package fs

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// ThumbnailSize is the bounding box of generated thumbnails.
const ThumbnailSize = 128

// MakeThumbnail decodes the image at src and writes a PNG scaled to fit
// within size×size, keeping the aspect ratio, to dst. Images already
// smaller than the box are not enlarged.
func MakeThumbnail(src, dst string, size int) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return fmt.Errorf("image has no pixels")
	}
	if w > size || h > size {
		if w >= h {
			w, h = size, max(1, h*size/b.Dx())
		} else {
			w, h = max(1, w*size/b.Dy()), size
		}
	}

	thumb := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), img, b, draw.Over, nil)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := png.Encode(out, thumb); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return out.Close()
}
