package frame

import "image"

// decode converts raw camera bytes into a standard library image. The result
// never aliases data, because data may be recycled once the frame is released.
func decode(data []byte, width, height int, format PixelFormat) image.Image {
	if format == FormatGray {
		img := image.NewGray(image.Rect(0, 0, width, height))
		copy(img.Pix, data[:width*height])
		return img
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:width*height])

	chroma := data[width*height:]
	cw, ch := (width+1)/2, (height+1)/2
	uFirst := format == FormatNV12
	for y := 0; y < ch; y++ {
		row := chroma[y*2*cw:]
		for x := 0; x < cw; x++ {
			a, c := row[2*x], row[2*x+1]
			i := y*img.CStride + x
			if uFirst {
				img.Cb[i], img.Cr[i] = a, c
			} else {
				img.Cb[i], img.Cr[i] = c, a
			}
		}
	}
	return img
}
