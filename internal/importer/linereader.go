package importer

import (
	"bufio"
	"io"
)

const (
	initialBufSize = 64 * 1024        // 64KB
	maxLineSize    = 16 * 1024 * 1024 // 16MB
)

// lineReader reads JSONL exports line by line, skipping lines that
// exceed maxLen rather than aborting. The buffer starts small and
// grows on demand up to maxLen.
type lineReader struct {
	r       *bufio.Reader
	maxLen  int
	buf     []byte
	lineNo  int
	skipped int
	err     error
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, initialBufSize),
		maxLen: maxLen,
		buf:    make([]byte, 0, initialBufSize),
	}
}

// next returns the next non-blank line (without trailing newline)
// and true, or ("", false) at EOF or on a read error. Oversized
// lines are counted in skipped.
func (lr *lineReader) next() (string, bool) {
	for {
		line, oversized, err := lr.readLine()
		if err != nil {
			if err != io.EOF {
				lr.err = err
			}
			return "", false
		}
		lr.lineNo++
		if oversized {
			lr.skipped++
			continue
		}
		if line != "" {
			return line, true
		}
	}
}

// readLine reads a full line. It returns a non-nil error only at
// EOF or on read failure.
func (lr *lineReader) readLine() (string, bool, error) {
	lr.buf = lr.buf[:0]
	oversized := false

	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			if (len(lr.buf) > 0 || oversized) && err == io.EOF {
				break
			}
			return "", false, err
		}

		if oversized {
			if !isPrefix {
				return "", true, nil
			}
			continue
		}

		lr.buf = append(lr.buf, chunk...)

		if len(lr.buf) > lr.maxLen {
			oversized = true
			lr.buf = lr.buf[:0]
			if !isPrefix {
				return "", true, nil
			}
			continue
		}

		if !isPrefix {
			break
		}
	}

	if oversized {
		return "", true, nil
	}
	return string(lr.buf), false, nil
}
