package transport

import (
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
)

// renderQR prints a pairing code for scanning from the phone.
func renderQR(w io.Writer, code string) {
	fmt.Fprintln(w, "\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
	fmt.Fprintln(w, "--- Waiting for scan... ---")
}
