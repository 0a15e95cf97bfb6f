package cmdutils

import (
	"fmt"
	"io"
)

const logo = "❄"

// PrintResponse writes a bot reply to w in the chat transcript format.
func PrintResponse(w io.Writer, text string) {
	if text == "" {
		return
	}

	fmt.Fprintf(w, "\n%s cirno\n%s\n\n", logo, text)
}
