package respond

import (
	"encoding/json"
	"io"
)

// JSON writes data as one indented JSON document followed by a newline.
func JSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func Error(w io.Writer, message string) error {
	return JSON(w, map[string]string{"error": message})
}
