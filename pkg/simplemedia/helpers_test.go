package simplemedia

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"
)

// FormFile is one binary part of a test upload.
type FormFile struct {
	Field       string
	FileName    string
	ContentType string
	Data        []byte
}

// NewMultipartReader encodes fields, in order, followed by files.
func NewMultipartReader(t testing.TB, fields [][2]string, files ...FormFile) *multipart.Reader {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, f := range fields {
		require.NoError(t, w.WriteField(f[0], f[1]))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.FileName))
		if f.ContentType != "" {
			h.Set("Content-Type", f.ContentType)
		}
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return multipart.NewReader(&body, w.Boundary())
}

// PNGBytes returns n bytes that start with a PNG signature.
func PNGBytes(n int) []byte {
	sig := []byte("\x89PNG\r\n\x1a\n")
	data := make([]byte, n)
	copy(data, sig)
	return data
}

// JPEGBytes returns n bytes that start with a JPEG marker.
func JPEGBytes(n int) []byte {
	data := make([]byte, n)
	copy(data, []byte{0xff, 0xd8, 0xff, 0xe0})
	for i := 4; i < n; i++ {
		data[i] = byte(i)
	}
	return data
}
