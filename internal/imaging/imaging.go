// Package imaging turns encoded page buffers into the grayscale pixel
// buffers the recognizers sample, and back into compact JPEGs for upload.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"

	"github.com/sunshineplan/imgconv"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ErrEmpty is returned for a zero-length buffer.
var ErrEmpty = errors.New("empty image buffer")

// Decode decodes a JPEG/PNG (or any format imgconv understands) page buffer.
func Decode(data []byte, index, sourcePage int) (model.PageImage, error) {
	if len(data) == 0 {
		return model.PageImage{}, ErrEmpty
	}
	img, err := imgconv.Decode(bytes.NewReader(data))
	if err != nil {
		return model.PageImage{}, fmt.Errorf("decode page %d: %w", sourcePage, err)
	}
	page := FromImage(img, index, sourcePage)
	page.Encoded = data
	page.MIME = http.DetectContentType(data)
	return page, nil
}

// FromImage converts img to a luminance buffer.
func FromImage(img image.Image, index, sourcePage int) model.PageImage {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]uint8, w*h)

	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < h; y++ {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			copy(gray[y*w:(y+1)*w], g.Pix[off:off+w])
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				gray[y*w+x] = c.Y
			}
		}
	}

	return model.PageImage{
		Index:      index,
		SourcePage: sourcePage,
		Width:      w,
		Height:     h,
		Gray:       gray,
	}
}

// ToImage wraps the page's luminance buffer as an image.Gray.
func ToImage(page model.PageImage) (*image.Gray, error) {
	if page.Width <= 0 || page.Height <= 0 || len(page.Gray) != page.Width*page.Height {
		return nil, fmt.Errorf("page %d: pixel buffer of %d bytes does not match %dx%d",
			page.SourcePage, len(page.Gray), page.Width, page.Height)
	}
	return &image.Gray{
		Pix:    page.Gray,
		Stride: page.Width,
		Rect:   image.Rect(0, 0, page.Width, page.Height),
	}, nil
}

// EncodeJPEG returns a JPEG of the page whose longer side is at most maxSide
// pixels (0 disables scaling). The original buffer is passed through
// untouched when it is already a small enough JPEG or PNG.
func EncodeJPEG(page model.PageImage, maxSide, quality int) ([]byte, string, error) {
	longest := max(page.Width, page.Height)
	fits := maxSide <= 0 || longest <= maxSide
	if fits && len(page.Encoded) > 0 && (page.MIME == "image/jpeg" || page.MIME == "image/png") {
		return page.Encoded, page.MIME, nil
	}

	var img image.Image
	if len(page.Encoded) > 0 {
		decoded, err := imgconv.Decode(bytes.NewReader(page.Encoded))
		if err != nil {
			return nil, "", fmt.Errorf("decode page %d: %w", page.SourcePage, err)
		}
		img = decoded
	} else {
		g, err := ToImage(page)
		if err != nil {
			return nil, "", err
		}
		img = g
	}

	if !fits {
		opt := &imgconv.ResizeOption{Width: maxSide}
		if page.Height > page.Width {
			opt = &imgconv.ResizeOption{Height: maxSide}
		}
		img = imgconv.Resize(img, opt)
	}

	if quality <= 0 {
		quality = 85
	}
	var buf bytes.Buffer
	err := imgconv.Write(&buf, img, &imgconv.FormatOption{
		Format:       imgconv.JPEG,
		EncodeOption: []imgconv.EncodeOption{imgconv.Quality(quality)},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode page %d: %w", page.SourcePage, err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
