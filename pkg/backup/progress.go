package backup

import "io"

// progressWriter reports the running byte count every step bytes
type progressWriter struct {
	w      io.Writer
	step   int64
	n      int64
	next   int64
	report func(int64)
}

func newProgressWriter(w io.Writer, step int64, report func(int64)) *progressWriter {
	return &progressWriter{w: w, step: step, next: step, report: report}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	for p.report != nil && p.n >= p.next {
		p.report(p.n)
		p.next += p.step
	}
	return n, err
}

// progressReader is the read-side counterpart of progressWriter
type progressReader struct {
	r      io.Reader
	step   int64
	n      int64
	next   int64
	report func(int64)
}

func newProgressReader(r io.Reader, step int64, report func(int64)) *progressReader {
	return &progressReader{r: r, step: step, next: step, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	for p.report != nil && p.n >= p.next {
		p.report(p.n)
		p.next += p.step
	}
	return n, err
}
