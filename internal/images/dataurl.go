// Package images supplies job input images to a workflow, either by writing
// base64 data into a node that accepts it or by uploading the files to the
// backend.
package images

import (
	"encoding/base64"
	"strings"
)

// StripDataURL returns the payload of a data URL ("data:<mime>;base64,<payload>").
// Strings that are not data URLs are returned unchanged.
func StripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.IndexByte(s, ','); i != -1 {
		return s[i+1:]
	}
	return s
}

// Decode strips a data-URL prefix and decodes standard base64, padded or not.
// Whitespace inside the payload is ignored.
func Decode(s string) ([]byte, error) {
	payload := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, StripDataURL(s))

	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
