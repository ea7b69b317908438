package segcodec

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/hupe1980/snapdb/blobstore"
)

// NamedBlob is one named binary of a serialized index.
type NamedBlob struct {
	Name string
	Data []byte
}

// IndexPayload is a serialized index: a numeric index type tag followed by
// the named binaries produced by the index implementation.
type IndexPayload struct {
	Type  int32
	Blobs []NamedBlob
}

// IndexFormat encodes index payloads as a little-endian int32 type tag
// followed by repeated (name length, name, data length, data) entries with
// uint64 lengths, running to the end of the file.
type IndexFormat struct {
	logger *slog.Logger
}

// IndexFormatOptions configures an IndexFormat.
type IndexFormatOptions struct {
	// Logger receives read diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// NewIndexFormat creates a new index format codec.
func NewIndexFormat(optFns ...func(o *IndexFormatOptions)) *IndexFormat {
	opts := IndexFormatOptions{
		Logger: slog.New(slog.DiscardHandler),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &IndexFormat{logger: opts.Logger}
}

// Write stores the payload under the given blob name.
func (f *IndexFormat) Write(ctx context.Context, store blobstore.BlobStore, name string, payload *IndexPayload) error {
	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}

	write := func() error {
		if err := binary.Write(w, binary.LittleEndian, payload.Type); err != nil {
			return err
		}
		for _, b := range payload.Blobs {
			if err := binary.Write(w, binary.LittleEndian, uint64(len(b.Name))); err != nil {
				return err
			}
			if _, err := io.WriteString(w, b.Name); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint64(len(b.Data))); err != nil {
				return err
			}
			if _, err := w.Write(b.Data); err != nil {
				return err
			}
		}
		return nil
	}

	if err := write(); err != nil {
		_ = w.Close()
		return fmt.Errorf("write index %s: %w", name, err)
	}
	return w.Close()
}

// Read loads and parses an index payload. An empty blob is not fatal: it is
// logged and an empty payload is returned, matching the tolerance of older
// data directories where index builds were interrupted.
func (f *IndexFormat) Read(ctx context.Context, store blobstore.BlobStore, name string) (*IndexPayload, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if b.Size() <= 0 {
		f.logger.Error("invalid index payload length", slog.String("name", name))
		return &IndexPayload{}, nil
	}

	r, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return f.parse(name, data)
}

func (f *IndexFormat) parse(name string, data []byte) (*IndexPayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: index %s truncated type tag", ErrCorrupt, name)
	}

	payload := &IndexPayload{
		Type: int32(binary.LittleEndian.Uint32(data)),
	}
	rp := uint64(4)
	total := uint64(len(data))

	for rp < total {
		nameLen, ok := readLen(data, &rp, total)
		if !ok {
			return nil, fmt.Errorf("%w: index %s truncated entry name length", ErrCorrupt, name)
		}
		// Compare by subtraction; a huge declared length must not wrap
		// rp+len around below total.
		if nameLen == 0 || nameLen > total-rp {
			return nil, fmt.Errorf("%w: index %s invalid entry name", ErrCorrupt, name)
		}
		entryName := string(data[rp : rp+nameLen])
		rp += nameLen

		dataLen, ok := readLen(data, &rp, total)
		if !ok {
			return nil, fmt.Errorf("%w: index %s truncated entry data length", ErrCorrupt, name)
		}
		if dataLen > total-rp {
			return nil, fmt.Errorf("%w: index %s entry %q overruns payload", ErrCorrupt, name, entryName)
		}
		entryData := make([]byte, dataLen)
		copy(entryData, data[rp:rp+dataLen])
		rp += dataLen

		payload.Blobs = append(payload.Blobs, NamedBlob{Name: entryName, Data: entryData})
	}

	return payload, nil
}

func readLen(data []byte, rp *uint64, total uint64) (uint64, bool) {
	if *rp+8 > total {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(data[*rp:])
	*rp += 8
	return v, true
}
