package resultserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/burrow-sandbox/burrow/pkg/metrics"
)

// Upload protocol tokens
const (
	protoFile       = "FILE"
	protoScreenshot = "SCREENSHOT"
)

const (
	// maxFileSize caps a FILE upload
	maxFileSize = 128 * 1024 * 1024

	// maxScreenshotSize caps a SCREENSHOT upload
	maxScreenshotSize = 4 * 1024 * 1024

	// readChunkSize is the streaming copy granularity
	readChunkSize = 2048

	// maxHeaderLine bounds protocol header lines
	maxHeaderLine = 4096

	// truncMarker is appended when an upload hits its size cap
	truncMarker = "... (truncated by resultserver)"
)

// jpegSOI is the JPEG start-of-image marker every screenshot must open with
var jpegSOI = [2]byte{0xFF, 0xD8}

var errTooLarge = errors.New("upload exceeds size cap")

// handleFile serves one FILE upload:
//
//	FILE\n<category>/<filename>\n<bytes...>
//
// The category must be on the safelist and the filename survives path
// sanitation; the file is created exclusively so a second upload with
// the same name fails instead of overwriting.
func (s *Server) handleFile(m *mapping, reader *bufio.Reader) error {
	pathLine, err := readLine(reader)
	if err != nil {
		return fmt.Errorf("failed to read upload path: %w", err)
	}

	category, filename, err := parseUploadPath(pathLine)
	if err != nil {
		metrics.ResultUploadsAborted.WithLabelValues("bad_path").Inc()
		return err
	}

	dir, err := s.paths.UploadDir(m.taskID, category)
	if err != nil {
		metrics.ResultUploadsAborted.WithLabelValues("bad_category").Inc()
		return err
	}
	dest := filepath.Join(dir, filename)

	// Exclusive create: a task directory is written once per name
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		metrics.ResultUploadsAborted.WithLabelValues("exists").Inc()
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	written, err := copyBounded(f, reader, maxFileSize)
	metrics.ResultBytesTotal.WithLabelValues(protoFile).Add(float64(written))
	if err != nil {
		metrics.ResultUploadsAborted.WithLabelValues("too_large").Inc()
		return err
	}

	m.logger.Debug().
		Str("category", category).
		Str("filename", filename).
		Int64("bytes", written).
		Msg("File upload complete")
	return nil
}

// handleScreenshot serves one SCREENSHOT upload:
//
//	SCREENSHOT\n\xFF\xD8<rest of JPEG...>
//
// The file name is the upload's offset in milliseconds since the task's
// IP was mapped. A payload that does not open with the JPEG SOI marker
// is deleted.
func (s *Server) handleScreenshot(m *mapping, reader *bufio.Reader) error {
	name := fmt.Sprintf("%d.jpg", time.Since(m.start).Milliseconds())
	dest := filepath.Join(s.paths.ScreenshotDir(m.taskID), name)

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		metrics.ResultUploadsAborted.WithLabelValues("exists").Inc()
		return fmt.Errorf("failed to create screenshot file: %w", err)
	}
	defer f.Close()

	var magic [2]byte
	if _, err := io.ReadFull(reader, magic[:]); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to read screenshot header: %w", err)
	}
	if magic != jpegSOI {
		os.Remove(dest)
		metrics.ResultUploadsAborted.WithLabelValues("bad_magic").Inc()
		return fmt.Errorf("screenshot payload is not a JPEG")
	}
	if _, err := f.Write(magic[:]); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to write screenshot: %w", err)
	}

	written, err := copyBounded(f, reader, maxScreenshotSize-int64(len(magic)))
	metrics.ResultBytesTotal.WithLabelValues(protoScreenshot).Add(float64(written) + 2)
	if err != nil {
		metrics.ResultUploadsAborted.WithLabelValues("too_large").Inc()
		return err
	}

	m.logger.Debug().Str("filename", name).Int64("bytes", written+2).
		Msg("Screenshot upload complete")
	return nil
}

// copyBounded streams src into dst in small reads up to max bytes. One
// byte over the cap writes the truncation marker and aborts.
func copyBounded(dst io.Writer, src io.Reader, max int64) (int64, error) {
	var written int64
	buf := make([]byte, readChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			remaining := max - written
			if int64(n) > remaining {
				if remaining > 0 {
					w, werr := dst.Write(buf[:remaining])
					written += int64(w)
					if werr != nil {
						return written, werr
					}
				}
				if _, werr := dst.Write([]byte(truncMarker)); werr != nil {
					return written, werr
				}
				return written, errTooLarge
			}
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// parseUploadPath validates and splits a "<category>/<filename>" upload
// path. Guests are hostile: traversal sequences, path separators inside
// the filename, NUL and drive-colon tricks are rejected outright and
// other unsafe filename characters are replaced with X.
func parseUploadPath(line string) (category, filename string, err error) {
	// Windows guests send backslashes
	line = strings.ReplaceAll(line, "\\", "/")

	if line == "" {
		return "", "", fmt.Errorf("empty upload path")
	}
	if strings.Contains(line, "..") {
		return "", "", fmt.Errorf("upload path contains traversal sequence")
	}
	if strings.ContainsAny(line, "\x00:") {
		return "", "", fmt.Errorf("upload path contains banned character")
	}

	category, filename, ok := strings.Cut(line, "/")
	if !ok || category == "" || filename == "" {
		return "", "", fmt.Errorf("upload path must be <category>/<filename>")
	}
	if strings.Contains(filename, "/") {
		return "", "", fmt.Errorf("upload filename must not contain separators")
	}

	return category, sanitizeFilename(filename), nil
}

// sanitizeFilename replaces characters that are unsafe in a filename
// with X. The result is never empty because the caller rejected empty
// names already.
func sanitizeFilename(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch {
		case r < 0x20 || r == 0x7F:
			out[i] = 'X'
		case strings.ContainsRune(`*?"<>|`, r):
			out[i] = 'X'
		}
	}
	return string(out)
}
