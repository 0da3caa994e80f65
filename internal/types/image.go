package types

import (
	"image"
	"image/color"
)

// ToStd converts the buffer into an image.Image without re-validating it.
func (im Image) ToStd() image.Image {
	r := image.Rect(0, 0, im.Width, im.Height)
	switch im.Channels {
	case 1:
		return &image.Gray{Pix: im.Pix, Stride: im.Width, Rect: r}
	case 4:
		return &image.NRGBA{Pix: im.Pix, Stride: im.Width * 4, Rect: r}
	default:
		out := image.NewRGBA(r)
		for i, j := 0, 0; i+2 < len(im.Pix) && j+3 < len(out.Pix); i, j = i+3, j+4 {
			out.Pix[j] = im.Pix[i]
			out.Pix[j+1] = im.Pix[i+1]
			out.Pix[j+2] = im.Pix[i+2]
			out.Pix[j+3] = 0xFF
		}
		return out
	}
}

// FromStd copies any image.Image into a 3-channel RGB buffer.
func FromStd(src image.Image) Image {
	b := src.Bounds()
	out := Image{Width: b.Dx(), Height: b.Dy(), Channels: 3}
	out.Pix = make([]byte, out.Width*out.Height*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(src.At(x, y)).(color.RGBA)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return out
}
