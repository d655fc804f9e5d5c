package tunnel

import (
	"fmt"
	"io"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// PrintQRCode renders url as block-character ASCII art to w, so a phone can
// scan its way into the exposed terminal instead of typing the address in.
func PrintQRCode(w io.Writer, url string) error {
	matrix, err := qrcode.NewQRCodeWriter().Encode(url, gozxing.BarcodeFormat_QR_CODE, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("encode qr code: %w", err)
	}

	width := matrix.GetWidth()
	height := matrix.GetHeight()

	// two matrix rows collapse into one printed line using half-block
	// glyphs, so the terminal output stays roughly square.
	for y := 0; y < height; y += 2 {
		for x := 0; x < width; x++ {
			top := matrix.Get(x, y)
			bottom := false
			if y+1 < height {
				bottom = matrix.Get(x, y+1)
			}
			fmt.Fprint(w, glyph(top, bottom))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func glyph(top, bottom bool) string {
	switch {
	case top && bottom:
		return "█"
	case top && !bottom:
		return "▀"
	case !top && bottom:
		return "▄"
	default:
		return " "
	}
}
