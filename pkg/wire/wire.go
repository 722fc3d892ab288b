// Package wire implements the line-delimited stream protocol spoken to the browser.
//
// Every line is a one-character type code, a colon, a JSON value and "\n":
//
//	0:"text fragment"
//	2:[{"type":"append-message","message":"..."}]
//	3:"error message"
//
// A stream ends when the connection closes; there is no end marker.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

const (
	CodeText  byte = '0'
	CodeData  byte = '2'
	CodeError byte = '3'
)

// ContentType is sent with every framed response.
const ContentType = "text/plain; charset=utf-8"

const maxLine = 4 * 1024 * 1024

var ErrMalformed = errors.New("malformed frame")

// Frame is one decoded line.
type Frame struct {
	Code    byte
	Payload json.RawMessage
}

// Text returns the string carried by a text or error frame.
func (f Frame) Text() (string, error) {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}
	return s, nil
}

func encode(code byte, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(code)
	buf.WriteByte(':')
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode terminates the value with '\n', which is the frame terminator.
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeText frames a text fragment.
func EncodeText(s string) []byte {
	b, _ := encode(CodeText, s)
	return b
}

// EncodeError frames an error message.
func EncodeError(msg string) []byte {
	b, _ := encode(CodeError, msg)
	return b
}

// EncodeData frames a list of data values.
func EncodeData(values ...any) ([]byte, error) {
	if values == nil {
		values = []any{}
	}
	b, err := encode(CodeData, values)
	if err != nil {
		return nil, errors.Wrap(err, "encode data frame")
	}
	return b, nil
}

// Decoder reads frames from a stream produced by the encoders above.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Decoder{sc: sc}
}

// Next returns the next frame, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (Frame, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) < 3 || line[1] != ':' {
			return Frame{}, errors.Wrapf(ErrMalformed, "line %q", truncate(line))
		}
		payload := make([]byte, len(line)-2)
		copy(payload, line[2:])
		if !json.Valid(payload) {
			return Frame{}, errors.Wrapf(ErrMalformed, "payload %q", truncate(line))
		}
		return Frame{Code: line[0], Payload: payload}, nil
	}
	if err := d.sc.Err(); err != nil {
		return Frame{}, errors.Wrap(err, "read frames")
	}
	return Frame{}, io.EOF
}

// DecodeTexts collects the fragments of every text frame in r, in order.
func DecodeTexts(r io.Reader) ([]string, error) {
	d := NewDecoder(r)
	var out []string
	for {
		f, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if f.Code != CodeText {
			continue
		}
		s, err := f.Text()
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}

func truncate(b []byte) string {
	if len(b) > 40 {
		return string(b[:40]) + "..."
	}
	return string(b)
}
