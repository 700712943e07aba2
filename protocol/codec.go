package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Response is one decoded worker reply to a CALL.
// Body holds the message bytes or the serialized payload, depending on Status.Body.
type Response struct {
	Status Status
	Body   []byte
}

// Reader decodes frames from a byte stream. It is not safe for concurrent use.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadByte reads a single control or status byte.
// It returns io.EOF if the stream ended cleanly before the byte.
func (r *Reader) ReadByte() (byte, error) {
	return r.r.ReadByte()
}

// ReadBlock reads an int32 length followed by exactly that many bytes.
// A stream that ends early yields io.ErrUnexpectedEOF; nothing is ever truncated.
func (r *Reader) ReadBlock() ([]byte, error) {
	var n int32
	if err := binary.Read(r.r, binary.BigEndian, &n); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading block length: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	if n > MaxBlockSize {
		return nil, fmt.Errorf("%w: %d", ErrBlockTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %d byte block: %w", n, err)
	}
	return b, nil
}

// ReadResponse reads a status byte and whatever body that status carries.
// End of stream before the status byte is reported as io.ErrUnexpectedEOF,
// since a response was owed.
func (r *Reader) ReadResponse() (Response, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Response{}, fmt.Errorf("reading status: %w", err)
	}
	status, err := ParseStatus(b)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Status: status}
	if status.Body() == BodyNone {
		return resp, nil
	}
	resp.Body, err = r.ReadBlock()
	if err != nil {
		return Response{}, fmt.Errorf("reading %s body: %w", status, err)
	}
	return resp, nil
}

// ReadCommand reads the next client command. For Call, payload is the serialized task.
// io.EOF means the client closed the stream between commands.
func (r *Reader) ReadCommand() (cmd byte, payload []byte, err error) {
	cmd, err = r.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	switch cmd {
	case Ping:
		return cmd, nil, nil
	case Call:
		payload, err = r.ReadBlock()
		if err != nil {
			return 0, nil, fmt.Errorf("reading call payload: %w", err)
		}
		return cmd, payload, nil
	default:
		return 0, nil, fmt.Errorf("unknown command byte %d", cmd)
	}
}

// Writer encodes frames. Every exported method that completes a frame flushes.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeBlock(b []byte) error {
	if len(b) > MaxBlockSize {
		return fmt.Errorf("%w: %d", ErrBlockTooLarge, len(b))
	}
	if err := binary.Write(w.w, binary.BigEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

func (w *Writer) writeControl(b byte) error {
	if err := w.w.WriteByte(b); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) WritePing() error  { return w.writeControl(Ping) }
func (w *Writer) WriteReady() error { return w.writeControl(Ready) }

// WriteCall writes a CALL frame carrying a serialized task.
func (w *Writer) WriteCall(payload []byte) error {
	if err := w.w.WriteByte(Call); err != nil {
		return err
	}
	if err := w.writeBlock(payload); err != nil {
		return err
	}
	return w.w.Flush()
}

// WriteResponse writes a status frame. body must be nil for statuses that carry none.
func (w *Writer) WriteResponse(resp Response) error {
	if _, err := ParseStatus(byte(resp.Status)); err != nil {
		return err
	}
	if resp.Status.Body() == BodyNone && len(resp.Body) > 0 {
		return fmt.Errorf("status %s carries no body, got %d bytes", resp.Status, len(resp.Body))
	}
	if err := w.w.WriteByte(byte(resp.Status)); err != nil {
		return err
	}
	if resp.Status.Body() != BodyNone {
		if err := w.writeBlock(resp.Body); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

// WriteRaw writes bytes verbatim and flushes. Only useful for exercising a peer's error handling.
func (w *Writer) WriteRaw(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.Flush()
}
