// Package transfer implements the file sender/receiver sub-protocol
// (spec §4.4): a lazy chunked sender and a reassembling, size-bounded
// receiver, both operating on the binary frame types from internal/wire.
package transfer

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/logger"
	"github.com/localmesh/node/internal/wire"
)

var l = logger.DefaultLogger.NewFacility("transfer", "file send/receive sessions")

// Sink receives the frames a Send call produces, in order.
type Sink interface {
	SendFileMeta(wire.FileMeta) error
	SendFileChunk(wire.FileChunk) error
}

// Progress is invoked after each successfully sent chunk (and once, with
// 0 bytes, for zero-length files) with cumulative totals.
type Progress func(bytesSent, totalSize uint64)

// Send streams path to sink as a file_meta frame followed by successive
// file_chunk frames, reading at most one chunk into memory at a time. An
// optional limiter caps outbound bandwidth; nil means unthrottled.
func Send(ctx context.Context, path string, sink Sink, limiter *rate.Limiter, progress Progress) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IoError, "open file for send", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errs.Wrap(errs.IoError, "stat file for send", err)
	}
	size := uint64(info.Size())

	var fileID wire.FileID
	if _, err := rand.Read(fileID[:]); err != nil {
		return errs.Wrap(errs.IoError, "generate file_id", err)
	}

	name := SanitizeFilename(filepath.Base(path), nil)
	if err := sink.SendFileMeta(wire.FileMeta{FileID: fileID, Size: size, Filename: name}); err != nil {
		return err
	}

	if size == 0 {
		if progress != nil {
			progress(0, 0)
		}
		return nil
	}

	buf := make([]byte, wire.BinaryChunkSize)
	var sent uint64
	var index uint32
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return errs.Wrap(errs.IoError, "rate limit wait", werr)
				}
			}
			chunk := wire.FileChunk{FileID: fileID, ChunkIndex: index, Data: buf[:n]}
			if serr := sink.SendFileChunk(chunk); serr != nil {
				return serr
			}
			sent += uint64(n)
			index++
			if progress != nil {
				progress(sent, size)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.IoError, "read file for send", err)
		}
	}
}
