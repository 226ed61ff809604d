package pdftext

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressText gzips |text| for storage as a Silver text blob and returns
// the compressed bytes with the sha256 of the uncompressed text.
func CompressText(text string) (compressed []byte, textSHA256 string, err error) {
	var buf bytes.Buffer
	var zw = gzip.NewWriter(&buf)
	if _, err = io.WriteString(zw, text); err == nil {
		err = zw.Close()
	}
	if err != nil {
		return nil, "", fmt.Errorf("compressing text: %w", err)
	}

	var sum = sha256.Sum256([]byte(text))
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// DecompressText reverses CompressText.
func DecompressText(compressed []byte) (string, error) {
	var zr, err = gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("decompressing text: %w", err)
	}
	defer zr.Close()

	var b []byte
	if b, err = io.ReadAll(zr); err != nil {
		return "", fmt.Errorf("decompressing text: %w", err)
	}
	return string(b), nil
}
