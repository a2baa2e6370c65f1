package events

import (
	"fmt"
	"io"
	"strings"
)

// WriteSSE writes one server-sent event frame. Multi-line data is split
// across data lines.
func WriteSSE(w io.Writer, id int64, eventType string, data []byte) error {
	var builder strings.Builder
	fmt.Fprintf(&builder, "id: %d\n", id)
	fmt.Fprintf(&builder, "event: %s\n", eventType)
	for _, line := range strings.Split(string(data), "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	_, err := io.WriteString(w, builder.String())
	return err
}

// WriteKeepAlive writes an SSE comment line that clients ignore.
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ": keep-alive\n\n")
	return err
}
