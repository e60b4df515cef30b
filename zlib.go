/************************************************************************************
 *
 * corvid, a small Discord REST + Gateway client core
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 corvid contributors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package corvid

import (
	"bytes"
	"compress/zlib"
	"io"
	"sync"
)

// zlibSuffix is the zlib flush suffix Discord sends at the end of a complete
// zlib-stream compressed payload.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// zlibReaderWrapper wraps a zlib.Reader with a reusable accumulation buffer, so a
// GatewaySession can decompress the continuous zlib-stream Discord sends across many
// WebSocket frames without allocating a new decompressor per frame.
type zlibReaderWrapper struct {
	reader io.ReadCloser
	buf    bytes.Buffer
}

// zlibReaderPool recycles zlibReaderWrapper instances across reconnects.
var zlibReaderPool = sync.Pool{
	New: func() any {
		return &zlibReaderWrapper{}
	},
}

// AcquireZlibReader gets a zlib reader wrapper from the pool.
func AcquireZlibReader() *zlibReaderWrapper {
	return zlibReaderPool.Get().(*zlibReaderWrapper)
}

// ReleaseZlibReader returns a zlib reader wrapper to the pool.
func ReleaseZlibReader(w *zlibReaderWrapper) {
	if w == nil {
		return
	}
	if w.reader != nil {
		w.reader.Close()
		w.reader = nil
	}
	w.buf.Reset()
	zlibReaderPool.Put(w)
}

// Decompress accumulates data until a complete zlib-stream message (one ending in
// zlibSuffix) has arrived, then inflates and returns it. Returns (nil, nil) while the
// message is still incomplete.
func (w *zlibReaderWrapper) Decompress(data []byte) ([]byte, error) {
	w.buf.Write(data)

	if !bytes.HasSuffix(w.buf.Bytes(), zlibSuffix) {
		return nil, nil
	}

	if w.reader == nil {
		reader, err := zlib.NewReader(&w.buf)
		if err != nil {
			return nil, err
		}
		w.reader = reader
	} else if resetter, ok := w.reader.(zlib.Resetter); ok {
		if err := resetter.Reset(&w.buf, nil); err != nil {
			return nil, err
		}
	}

	// A sync-flushed message never closes the deflate stream, so running out of buffered
	// input surfaces as io.ErrUnexpectedEOF once everything flushed has been returned.
	decompressed, err := io.ReadAll(w.reader)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	w.buf.Reset()
	return decompressed, nil
}
