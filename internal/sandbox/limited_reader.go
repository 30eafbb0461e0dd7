package sandbox

import "io"

// limitedReadCloser wraps an http.Response body so a node cannot read past
// the configured response size cap even when Content-Length was absent or
// understated.
type limitedReadCloser struct {
	r     io.ReadCloser
	limit int64
	read  int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, ErrResponseTooLarge
	}
	if remaining := l.limit - l.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.r.Close()
}
