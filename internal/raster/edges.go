package raster

import "image"

// edgeThreshold is the luminance step treated as an edge.
const edgeThreshold = 30

// EdgeMap performs gradient-based edge detection on a grayscale frame.
//
// A pixel is an edge when the luminance difference to its right or lower
// neighbor exceeds a fixed threshold. Border pixels are never edges. The
// returned map is indexed [y][x].
//
// Calibration and marker recognition both consume this map; computing it
// once per frame avoids repeating the scan.
func EdgeMap(gray *image.Gray) [][]bool {
	width := gray.Bounds().Dx()
	height := gray.Bounds().Dy()

	edges := make([][]bool, height)
	for y := 0; y < height; y++ {
		edges[y] = make([]bool, width)
		if y == 0 || y == height-1 {
			continue
		}
		for x := 1; x < width-1; x++ {
			c := int(gray.Pix[gray.PixOffset(x, y)])
			dx := c - int(gray.Pix[gray.PixOffset(x+1, y)])
			dy := c - int(gray.Pix[gray.PixOffset(x, y+1)])
			if dx < 0 {
				dx = -dx
			}
			if dy < 0 {
				dy = -dy
			}
			if dx > edgeThreshold || dy > edgeThreshold {
				edges[y][x] = true
			}
		}
	}
	return edges
}

// DarkMask marks pixels darker than the given luminance level, indexed
// [y][x]. Plotted markers and axis ink are dark on a light chart background.
func DarkMask(gray *image.Gray, level uint8) [][]bool {
	width := gray.Bounds().Dx()
	height := gray.Bounds().Dy()

	mask := make([][]bool, height)
	for y := 0; y < height; y++ {
		mask[y] = make([]bool, width)
		for x := 0; x < width; x++ {
			mask[y][x] = gray.Pix[gray.PixOffset(x, y)] < level
		}
	}
	return mask
}
