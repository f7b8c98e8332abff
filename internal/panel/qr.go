package panel

import (
	"strings"

	"github.com/atotto/clipboard"
	"github.com/mdp/qrterminal/v3"
)

// QRCode renders text as a terminal QR code using half-block characters,
// two modules per character cell.
func QRCode(text string) string {
	var b strings.Builder
	qrterminal.GenerateHalfBlock(text, qrterminal.L, &b)
	return b.String()
}

// CopyToClipboard writes text to the system clipboard. It fails on systems
// without a clipboard utility (xclip, xsel or wl-copy on Linux).
func CopyToClipboard(text string) error {
	return clipboard.WriteAll(text)
}
