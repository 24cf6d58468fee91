package dashboard

import (
	"fmt"
	"strings"

	"rsc.io/qr"
)

// generateQRSVG renders data as a standalone SVG with one rect per dark
// module on a white background.
func generateQRSVG(data string, size int) (string, error) {
	code, err := qr.Encode(data, qr.L)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}

	n := code.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}

	// Quiet zone of four modules.
	const quiet = 4
	total := n + 2*quiet

	var sb strings.Builder
	fmt.Fprintf(&sb,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d" shape-rendering="crispEdges">`,
		total, total, size, size,
	)
	fmt.Fprintf(&sb, `<rect width="%d" height="%d" fill="#fff"/>`, total, total)

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if code.Black(x, y) {
				fmt.Fprintf(&sb, `<rect x="%d" y="%d" width="1" height="1" fill="#000"/>`, x+quiet, y+quiet)
			}
		}
	}

	sb.WriteString(`</svg>`)
	return sb.String(), nil
}
