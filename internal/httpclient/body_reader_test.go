package httpclient

import (
	"io"
	"testing"
)

func TestNewBodySource(t *testing.T) {
	t.Run("inline body", func(t *testing.T) {
		content := "user=alice&pass=s3cret"
		source := NewBodySource([]byte(content))

		if length, ok := source.ContentLength(); !ok || length != int64(len(content)) {
			t.Errorf("ContentLength() = %d, %v; want %d, true", length, ok, len(content))
		}

		for i := 0; i < 2; i++ {
			reader, err := source.NewReader()
			if err != nil {
				t.Fatalf("NewReader() error = %v", err)
			}
			data, err := io.ReadAll(reader)
			reader.Close()
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(data) != content {
				t.Errorf("read #%d = %q, want %q", i, data, content)
			}
		}
	})

	t.Run("empty body", func(t *testing.T) {
		source := NewBodySource(nil)
		if length, ok := source.ContentLength(); !ok || length != 0 {
			t.Errorf("ContentLength() = %d, %v; want 0, true", length, ok)
		}
		reader, err := source.NewReader()
		if err != nil {
			t.Fatalf("NewReader() error = %v", err)
		}
		data, _ := io.ReadAll(reader)
		if len(data) != 0 {
			t.Errorf("empty body read %q", data)
		}
	})
}
