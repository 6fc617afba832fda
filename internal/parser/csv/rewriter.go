package csv

import (
	"bufio"
	"bytes"
	"io"
)

// Replacement is a literal byte sequence rewritten before CSV decoding.
// Supplier exports often carry one broken quoting pattern throughout a file;
// fixing it in the byte stream is cheaper than tolerating it row by row.
type Replacement struct {
	From string
	To   string
}

const rewriteChunk = 64 * 1024

// rewriter replaces every occurrence of pat with repl in a stream. It holds
// back the last len(pat)-1 bytes of each chunk so a match spanning two reads
// is still found.
type rewriter struct {
	src   *bufio.Reader
	pat   []byte
	repl  []byte
	tail  []byte
	ready bytes.Buffer
	chunk []byte
	done  bool
}

func newRewriter(r io.Reader, rep Replacement) *rewriter {
	return &rewriter{
		src:   bufio.NewReaderSize(r, rewriteChunk),
		pat:   []byte(rep.From),
		repl:  []byte(rep.To),
		chunk: make([]byte, rewriteChunk),
	}
}

// wrapReplacements chains one rewriter per non-empty replacement.
func wrapReplacements(r io.Reader, reps []Replacement) io.Reader {
	for _, rep := range reps {
		if rep.From == "" || rep.From == rep.To {
			continue
		}
		r = newRewriter(r, rep)
	}
	return r
}

func (w *rewriter) Read(p []byte) (int, error) {
	for w.ready.Len() == 0 {
		if w.done {
			return 0, io.EOF
		}
		if err := w.fill(); err != nil {
			return 0, err
		}
	}
	return w.ready.Read(p)
}

func (w *rewriter) fill() error {
	n, err := w.src.Read(w.chunk)
	block := append(w.tail, w.chunk[:n]...)
	block = bytes.ReplaceAll(block, w.pat, w.repl)

	switch {
	case err == io.EOF:
		w.ready.Write(block)
		w.tail = nil
		w.done = true
		return nil
	case err != nil:
		return err
	}

	keep := len(w.pat) - 1
	if keep >= len(block) {
		w.tail = block
		return nil
	}
	w.ready.Write(block[:len(block)-keep])
	w.tail = append([]byte(nil), block[len(block)-keep:]...)
	return nil
}
