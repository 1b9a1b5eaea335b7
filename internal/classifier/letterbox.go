package classifier

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// letterbox decodes img, resizes it to fit within (targetW, targetH) while
// preserving its aspect ratio, and pads the remainder with black, centering
// the scaled image. It returns an NHWC float32 tensor with batch size 1,
// channel values mapped through norm.
func letterbox(img []byte, targetW, targetH int, norm Normalization) ([]float32, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("image has zero dimension")
	}

	scale := float64(targetW) / float64(srcW)
	if s := float64(targetH) / float64(srcH); s < scale {
		scale = s
	}
	scaledW := int(float64(srcW) * scale)
	scaledH := int(float64(srcH) * scale)
	if scaledW < 1 {
		scaledW = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}
	padX := (targetW - scaledW) / 2
	padY := (targetH - scaledH) / 2

	out := make([]float32, targetH*targetW*3)

	for y := 0; y < targetH; y++ {
		srcY := y - padY
		for x := 0; x < targetW; x++ {
			srcX := x - padX
			base := (y*targetW + x) * 3
			if srcX < 0 || srcX >= scaledW || srcY < 0 || srcY >= scaledH {
				// padding region gets norm.apply(0), the black point of
				// whichever normalization range the caller passed in.
				out[base+0] = norm.apply(0)
				out[base+1] = norm.apply(0)
				out[base+2] = norm.apply(0)
				continue
			}
			// nearest-neighbor sample back into source coordinates
			sampleX := bounds.Min.X + int(float64(srcX)/scale)
			sampleY := bounds.Min.Y + int(float64(srcY)/scale)
			if sampleX >= bounds.Max.X {
				sampleX = bounds.Max.X - 1
			}
			if sampleY >= bounds.Max.Y {
				sampleY = bounds.Max.Y - 1
			}
			r32, g32, b32, _ := src.At(sampleX, sampleY).RGBA()
			out[base+0] = norm.apply(float32(r32 >> 8))
			out[base+1] = norm.apply(float32(g32 >> 8))
			out[base+2] = norm.apply(float32(b32 >> 8))
		}
	}
	return out, nil
}
