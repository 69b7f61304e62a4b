package server

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pario-ai/querydesk/pkg/models"
)

var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// WriteEvent frames ev as a server-sent event. String payloads have their
// line breaks escaped so a payload can never end the frame early; every
// other payload is written as single-line JSON.
func WriteEvent(w io.Writer, ev models.Event) error {
	var data string
	switch v := ev.Data.(type) {
	case string:
		data = lineEscaper.Replace(v)
	case nil:
		data = ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		data = string(b)
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
