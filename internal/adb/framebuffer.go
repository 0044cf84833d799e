package adb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/1ureka/adblink/internal/structs"
)

// ErrUnsupportedFramebuffer is returned for header versions other than 1
// and 2.
var ErrUnsupportedFramebuffer = errors.New("unsupported framebuffer version")

var framebufferVersion = structs.New(binary.LittleEndian).Uint32("version")

// framebufferV1 and framebufferV2 follow the version field; v2 adds the
// color space.
var (
	framebufferV1 = structs.New(binary.LittleEndian).
		Uint32("bpp").
		Uint32("size").
		Uint32("width").
		Uint32("height").
		Uint32("red_offset").
		Uint32("red_length").
		Uint32("blue_offset").
		Uint32("blue_length").
		Uint32("green_offset").
		Uint32("green_length").
		Uint32("alpha_offset").
		Uint32("alpha_length").
		Bytes("data", "size")

	framebufferV2 = structs.New(binary.LittleEndian).
		Uint32("bpp").
		Uint32("colorSpace").
		Uint32("size").
		Uint32("width").
		Uint32("height").
		Uint32("red_offset").
		Uint32("red_length").
		Uint32("blue_offset").
		Uint32("blue_length").
		Uint32("green_offset").
		Uint32("green_length").
		Uint32("alpha_offset").
		Uint32("alpha_length").
		Bytes("data", "size")
)

// Channel locates one color component inside a pixel, in bits.
type Channel struct {
	Offset uint32
	Length uint32
}

// Framebuffer is one screen capture.
type Framebuffer struct {
	Version    uint32
	BPP        uint32
	ColorSpace uint32
	Width      uint32
	Height     uint32
	Red        Channel
	Green      Channel
	Blue       Channel
	Alpha      Channel
	Data       []byte
}

// Framebuffer captures the screen through the "framebuffer:" service.
func (a *Adb) Framebuffer(ctx context.Context) (*Framebuffer, error) {
	s, err := a.CreateSocket(ctx, "framebuffer:")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	r := socketReader{ctx, s}
	v, err := framebufferVersion.Deserialize(r)
	if err != nil {
		return nil, fmt.Errorf("framebuffer: %w", err)
	}

	fb := &Framebuffer{Version: v.Uint32("version")}
	var def *structs.Struct
	switch fb.Version {
	case 1:
		def = framebufferV1
	case 2:
		def = framebufferV2
	default:
		return nil, fmt.Errorf("%w %d", ErrUnsupportedFramebuffer, fb.Version)
	}

	h, err := def.Deserialize(r)
	if err != nil {
		return nil, fmt.Errorf("framebuffer: %w", err)
	}
	fb.BPP = h.Uint32("bpp")
	fb.ColorSpace = h.Uint32("colorSpace")
	fb.Width = h.Uint32("width")
	fb.Height = h.Uint32("height")
	fb.Red = Channel{h.Uint32("red_offset"), h.Uint32("red_length")}
	fb.Green = Channel{h.Uint32("green_offset"), h.Uint32("green_length")}
	fb.Blue = Channel{h.Uint32("blue_offset"), h.Uint32("blue_length")}
	fb.Alpha = Channel{h.Uint32("alpha_offset"), h.Uint32("alpha_length")}
	fb.Data = h.Bytes("data")
	return fb, nil
}

// Image converts the capture to an image using the channel layout.
func (fb *Framebuffer) Image() (image.Image, error) {
	if fb.BPP == 0 || fb.BPP%8 != 0 || fb.BPP > 32 {
		return nil, fmt.Errorf("framebuffer: unsupported depth %d", fb.BPP)
	}
	for name, c := range map[string]Channel{"red": fb.Red, "green": fb.Green, "blue": fb.Blue, "alpha": fb.Alpha} {
		if c.Length > 0 && uint64(c.Offset)+uint64(c.Length) > uint64(fb.BPP) {
			return nil, fmt.Errorf("framebuffer: %s channel %d+%d outside %d bpp", name, c.Offset, c.Length, fb.BPP)
		}
	}
	bytesPerPixel := int(fb.BPP / 8)
	w, h := int(fb.Width), int(fb.Height)
	if len(fb.Data) < w*h*bytesPerPixel {
		return nil, fmt.Errorf("framebuffer: %d bytes for %dx%d at %d bpp", len(fb.Data), w, h, fb.BPP)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	var buf [4]byte
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * bytesPerPixel
			copy(buf[:], fb.Data[off:off+bytesPerPixel])
			px := binary.LittleEndian.Uint32(buf[:])
			clear(buf[:])

			alpha := uint8(0xff)
			if fb.Alpha.Length > 0 {
				alpha = fb.Alpha.extract(px)
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: fb.Red.extract(px),
				G: fb.Green.extract(px),
				B: fb.Blue.extract(px),
				A: alpha,
			})
		}
	}
	return img, nil
}

// extract scales the channel's bits to 8.
func (c Channel) extract(px uint32) uint8 {
	if c.Length == 0 {
		return 0
	}
	mask := uint64(1)<<c.Length - 1
	v := (uint64(px) >> c.Offset) & mask
	return uint8(v * 255 / mask)
}
