package pipeline

import "github.com/disintegration/imaging"

// Orient applies the geometric transform implied by an EXIF orientation
// tag, producing an upright raster. Tags outside 1..8 (including the
// scanner's 0 for "absent") are the identity; orientation correction never
// fails.
//
//	1  identity              5  transpose (90° ccw + mirror)
//	2  mirror horizontal     6  rotate 90° cw
//	3  rotate 180°           7  transverse (90° cw + mirror)
//	4  mirror vertical       8  rotate 90° ccw
func Orient(r Raster, tag int) Raster {
	switch tag {
	case 2:
		return Raster{Img: imaging.FlipH(r.Img), Mode: r.Mode}
	case 3:
		return Raster{Img: imaging.Rotate180(r.Img), Mode: r.Mode}
	case 4:
		return Raster{Img: imaging.FlipV(r.Img), Mode: r.Mode}
	case 5:
		return Raster{Img: imaging.Transpose(r.Img), Mode: r.Mode}
	case 6:
		return Raster{Img: imaging.Rotate270(r.Img), Mode: r.Mode}
	case 7:
		return Raster{Img: imaging.Transverse(r.Img), Mode: r.Mode}
	case 8:
		return Raster{Img: imaging.Rotate90(r.Img), Mode: r.Mode}
	default:
		return r
	}
}
