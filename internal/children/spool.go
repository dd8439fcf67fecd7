package children

import (
	"fmt"
	"io"
	"os"
)

// bodyChunkSize is the fixed read chunk size used when replaying the
// spool to a backend or streaming a replacement body to the MTA side.
const bodyChunkSize = 64 * 1024

// BodySpool is a temporary on-disk store of the message body. Unlike a
// simple write-once/read-once buffer, it must support concurrent append
// (new chunks still arriving from the MTA) and independent replay streams
// (a backend joining mid-body needs to read from offset 0 while later
// chunks are still being appended). Each replay gets its own *os.File
// opened against the same underlying path, so one reader's position never
// disturbs another's or the writer's.
type BodySpool struct {
	path    string
	file    *os.File
	written int64
}

// NewBodySpool creates the spool and its backing temporary file at once.
// Children calls it on the first body chunk of a message (or at
// end-of-message when no body arrived).
func NewBodySpool() (*BodySpool, error) {
	f, err := os.CreateTemp("", "milterchild-body-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create spool: %v", ErrSpoolIO, err)
	}
	return &BodySpool{path: f.Name(), file: f}, nil
}

// Append writes chunk to the end of the spool in append mode as body
// arrives.
func (b *BodySpool) Append(chunk []byte) error {
	n, err := b.file.Write(chunk)
	b.written += int64(n)
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrSpoolIO, err)
	}
	return nil
}

// Size returns the number of bytes written to the spool so far.
func (b *BodySpool) Size() int64 {
	return b.written
}

// Truncate empties the spool and rewinds the write position to the
// start. The Merger uses this the first time a backend issues
// ReplaceBody during EOM, so the spool switches from holding the
// original MTA body to holding the replacement content that will be
// streamed back to the MTA.
func (b *BodySpool) Truncate() error {
	if err := b.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrSpoolIO, err)
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %v", ErrSpoolIO, err)
	}
	b.written = 0
	return nil
}

// Reader opens an independent read handle into the spool, seeked to the
// start, for one replay pass: replaying the body to a backend that
// becomes eligible mid-stream. The caller must Close the returned reader
// when done; doing so does not affect the spool itself.
func (b *BodySpool) Reader() (*SpoolReader, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open replay: %v", ErrSpoolIO, err)
	}
	return &SpoolReader{file: f}, nil
}

// Stream reads the whole spool from the start in bodyChunkSize pieces,
// invoking callback once per chunk. Used when emitting ReplaceBody
// signals at end-of-message, and by the Merger to stream a replaced body
// to the MTA side.
func (b *BodySpool) Stream(callback func(chunk []byte) error) error {
	r, err := b.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	buf := make([]byte, bodyChunkSize)
	for {
		n, err := r.file.Read(buf)
		if n > 0 {
			if cbErr := callback(buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: stream: %v", ErrSpoolIO, err)
		}
	}
}

// Close deletes the spool's backing temporary file.
func (b *BodySpool) Close() error {
	err1 := b.file.Close()
	err2 := os.Remove(b.path)
	if err1 != nil {
		return fmt.Errorf("%w: close: %v", ErrSpoolIO, err1)
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return fmt.Errorf("%w: remove: %v", ErrSpoolIO, err2)
	}
	return nil
}

// SpoolReader is one independent replay stream opened by BodySpool.Reader.
type SpoolReader struct {
	file *os.File
}

func (r *SpoolReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *SpoolReader) Close() error {
	return r.file.Close()
}
