// Package mp3 implements structural splicing of MPEG audio streams.
//
// Splicing is byte-exact: leading ID3v2 and trailing ID3v1 metadata blocks are
// stripped per segment, frame data is concatenated untouched, and the first
// segment's ID3v2 block (when present) is reattached to the head of the output.
// Nothing is decoded or re-encoded.
package mp3

import "bytes"

// syncScanWindow bounds how far into a buffer the frame-sync scan looks before
// giving up and treating the remainder as opaque audio data.
const syncScanWindow = 8192

// diagnosticWindow is how far HasFrameSync looks for a sync pattern.
const diagnosticWindow = 200

const (
	id3v2HeaderSize = 10
	id3v1TagSize    = 128
)

var (
	id3v2Magic = []byte("ID3")
	id3v1Magic = []byte("TAG")
)

// segment is one input buffer decomposed into metadata and frame data.
type segment struct {
	header []byte // leading ID3v2 block, may be nil
	audio  []byte
}

// Splice concatenates raw MP3 buffers into one playable stream.
//
// A zero-buffer input yields an empty buffer; a single buffer is returned
// unchanged. For the first buffer only, a leading ID3v2 block is retained and
// prepended to the result.
func Splice(buffers [][]byte) []byte {
	switch len(buffers) {
	case 0:
		return []byte{}
	case 1:
		return buffers[0]
	}

	segments := make([]segment, 0, len(buffers))
	total := 0
	for _, buf := range buffers {
		seg := split(buf)
		total += len(seg.audio)
		segments = append(segments, seg)
	}

	head := segments[0].header
	out := make([]byte, 0, len(head)+total)
	out = append(out, head...)
	for _, seg := range segments {
		out = append(out, seg.audio...)
	}
	return out
}

// split decomposes one buffer into its optional ID3v2 header and audio data.
func split(buf []byte) segment {
	header, offset := leadingID3v2(buf)

	end := len(buf)
	if end-offset >= id3v1TagSize && bytes.Equal(buf[end-id3v1TagSize:end-id3v1TagSize+3], id3v1Magic) {
		end -= id3v1TagSize
	}

	start := offset
	if idx := scanFrameSync(buf[offset:end]); idx >= 0 {
		start = offset + idx
	}
	// No sync found: keep the post-metadata bytes as-is, best effort.

	return segment{header: header, audio: buf[start:end]}
}

// leadingID3v2 returns the ID3v2 block and the offset where audio scanning
// should begin. The declared size is a 4-byte synchsafe integer (7 bits per
// byte) and excludes the 10-byte header itself.
func leadingID3v2(buf []byte) ([]byte, int) {
	if len(buf) < id3v2HeaderSize || !bytes.Equal(buf[:3], id3v2Magic) {
		return nil, 0
	}
	size := synchsafe(buf[6:10])
	blockLen := id3v2HeaderSize + size
	if buf[5]&0x10 != 0 {
		// Footer flag adds another 10 bytes.
		blockLen += id3v2HeaderSize
	}
	if blockLen > len(buf) {
		// Declared size overruns the buffer; treat as malformed and keep everything.
		return nil, 0
	}
	return buf[:blockLen], blockLen
}

func synchsafe(b []byte) int {
	return int(b[0]&0x7F)<<21 | int(b[1]&0x7F)<<14 | int(b[2]&0x7F)<<7 | int(b[3]&0x7F)
}

// scanFrameSync returns the offset of the first MPEG frame sync pattern
// (0xFF followed by a byte with the top three bits set) within the scan
// window, or -1 when none is found.
func scanFrameSync(buf []byte) int {
	limit := len(buf) - 1
	if limit > syncScanWindow {
		limit = syncScanWindow
	}
	for i := 0; i < limit; i++ {
		if buf[i] == 0xFF && buf[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

// HasFrameSync is a structural diagnostic: it reports whether a frame sync
// pattern appears near the start of the buffer (after any ID3v2 block). A
// false result does not gate splicing.
func HasFrameSync(buf []byte) bool {
	_, offset := leadingID3v2(buf)
	region := buf[offset:]
	if len(region) > diagnosticWindow {
		region = region[:diagnosticWindow]
	}
	return scanFrameSync(region) >= 0
}
