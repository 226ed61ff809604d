package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// RecognizedPage is one page's OCR output.
type RecognizedPage struct {
	Text string
	// Confidence is the mean word confidence reported by the engine, in
	// [0, 1].
	Confidence float64
}

// Engine OCRs one page of a PDF on disk. Implementations must honor
// context cancellation; the per-document extraction deadline flows through
// it.
type Engine interface {
	Recognize(ctx context.Context, pdfPath string, page int) (RecognizedPage, error)
}

// TesseractEngine renders a page with pdftoppm and recognizes it with
// tesseract, both as subprocesses. Zero-valued fields take defaults.
type TesseractEngine struct {
	// PdftoppmPath and TesseractPath name the binaries; defaults are
	// "pdftoppm" and "tesseract" resolved from PATH.
	PdftoppmPath  string
	TesseractPath string
	// DPI of the rendered page image. Default 300.
	DPI int
}

var _ Engine = (*TesseractEngine)(nil)

func (e *TesseractEngine) Recognize(ctx context.Context, pdfPath string, page int) (RecognizedPage, error) {
	var dir, err = os.MkdirTemp("", "fdlake-ocr")
	if err != nil {
		return RecognizedPage{}, fmt.Errorf("creating ocr scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var dpi = e.DPI
	if dpi == 0 {
		dpi = 300
	}
	var pdftoppm = e.PdftoppmPath
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	var prefix = filepath.Join(dir, "page")
	if err = runTool(ctx, pdftoppm,
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		"-gray", "-png",
		pdfPath, prefix,
	); err != nil {
		return RecognizedPage{}, err
	}

	// pdftoppm zero-pads the page number in its output name; glob rather
	// than guess the padding width.
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(matches) == 0 {
		return RecognizedPage{}, fmt.Errorf("pdftoppm produced no image for page %d", page)
	}

	var tesseract = e.TesseractPath
	if tesseract == "" {
		tesseract = "tesseract"
	}
	var cmd = exec.CommandContext(ctx, tesseract, matches[0], "stdout", "tsv")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err = cmd.Run(); err != nil {
		return RecognizedPage{}, fmt.Errorf("tesseract: %w (stderr: %s)", err, firstLine(stderr.String()))
	}
	return parseTesseractTSV(stdout.String()), nil
}

func runTool(ctx context.Context, name string, args ...string) error {
	var cmd = exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (stderr: %s)", name, err, firstLine(stderr.String()))
	}
	return nil
}

// parseTesseractTSV assembles text and mean word confidence from
// tesseract's TSV output. Level-5 rows are words; their conf column is a
// percentage, or -1 for non-text rows which are skipped. Level-4 rows mark
// line breaks.
func parseTesseractTSV(tsv string) RecognizedPage {
	var text strings.Builder
	var confSum float64
	var words int

	for _, line := range strings.Split(tsv, "\n") {
		var cols = strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		switch cols[0] {
		case "4":
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
		case "5":
			var conf, err = strconv.ParseFloat(cols[10], 64)
			if err != nil || conf < 0 {
				continue
			}
			var word = strings.TrimSpace(cols[11])
			if word == "" {
				continue
			}
			if text.Len() > 0 && !strings.HasSuffix(text.String(), "\n") {
				text.WriteByte(' ')
			}
			text.WriteString(word)
			confSum += conf / 100
			words++
		}
	}

	var out = RecognizedPage{Text: text.String()}
	if words > 0 {
		out.Confidence = confSum / float64(words)
	}
	return out
}

func firstLine(s string) string {
	if ind := strings.IndexByte(s, '\n'); ind != -1 {
		return s[:ind]
	}
	return s
}
