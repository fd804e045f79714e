// Package oggcapture locates the identification and comment header pages
// at the start of an Ogg-Opus byte stream.
//
// Every later Opus frame in a session is only decodable once a decoder has
// seen these two header pages, so the relay captures them once per session
// and prepends them to the audio buffer on every phrase reset. Only the
// two operations the dispatch loop needs are implemented: header-prefix
// capture and audio-page extraction.
package oggcapture

import (
	"encoding/binary"
	"errors"
)

// capturePattern is the fixed 4-byte signature that opens every Ogg page.
var capturePattern = [4]byte{'O', 'g', 'g', 'S'}

// continuedPacketFlag is the header_type bit indicating that a page's
// payload continues a packet begun on a previous page.
const continuedPacketFlag = 0x01

// pageHeaderSize is the fixed-size portion of an Ogg page header, before
// the variable-length segment table.
const pageHeaderSize = 27

// ErrTruncated names the condition of a page whose capture pattern is found
// but whose declared segment table or payload runs past the end of the
// supplied buffer. SplitPages does not return it: it stops at such a page
// without an error and returns the complete pages before it.
var ErrTruncated = errors.New("oggcapture: truncated page")

// Page is one parsed Ogg page.
type Page struct {
	HeaderType     byte
	SequenceNumber uint32
	Raw            []byte // the complete page, header through payload
	Payload        []byte // the page's packet data, header and segment table stripped

	// continuesNext is set when the final segment-table lacing value is
	// 255, meaning the page's last packet spills onto the next page (which
	// then carries the continued-packet flag).
	continuesNext bool
}

// SplitPages parses as many complete Ogg pages as are present at the start
// of data, stopping (without error) at the first incomplete trailing page.
// Bytes before a recognised capture pattern are skipped, matching a
// stream that may start mid-page after a partial datagram loss.
func SplitPages(data []byte) []Page {
	var pages []Page
	i := 0
	for i+pageHeaderSize <= len(data) {
		if !matchesCapturePattern(data[i:]) {
			i++
			continue
		}
		if i+27 > len(data) {
			break
		}
		segCount := int(data[i+26])
		tableStart := i + 27
		tableEnd := tableStart + segCount
		if tableEnd > len(data) {
			break
		}
		segTable := data[tableStart:tableEnd]
		payloadLen := 0
		for _, s := range segTable {
			payloadLen += int(s)
		}
		pageEnd := tableEnd + payloadLen
		if pageEnd > len(data) {
			break
		}

		headerType := data[i+5]
		seq := binary.LittleEndian.Uint32(data[i+18 : i+22])

		pages = append(pages, Page{
			HeaderType:     headerType,
			SequenceNumber: seq,
			Raw:            data[i:pageEnd],
			Payload:        data[tableEnd:pageEnd],
			continuesNext:  segCount > 0 && segTable[segCount-1] == 255,
		})
		i = pageEnd
	}
	return pages
}

// AudioPages returns the pages of buf that carry encoded audio packets,
// i.e. every page after the identification page (sequence 0) and the
// terminated run of comment-header pages (sequence 1 plus any continuation
// pages its packet spills onto). It returns nil if the header has not yet
// been fully captured — callers should check CaptureHeaderPrefix first
// (the dispatch worker does both against the same snapshot in one pass).
func AudioPages(buf []byte) []Page {
	pages := SplitPages(buf)

	foundID := false
	var headerEnd uint32
	commentDone := false
	for _, p := range pages {
		if p.SequenceNumber == 0 {
			foundID = true
			continue
		}
		if commentDone {
			continue
		}
		headerEnd = p.SequenceNumber
		if !p.continuesNext {
			commentDone = true
		}
	}
	if !foundID || !commentDone {
		return nil
	}

	var audio []Page
	for i := range pages {
		if pages[i].SequenceNumber > headerEnd {
			audio = append(audio, pages[i])
		}
	}
	return audio
}

func matchesCapturePattern(b []byte) bool {
	return len(b) >= 4 && b[0] == capturePattern[0] && b[1] == capturePattern[1] &&
		b[2] == capturePattern[2] && b[3] == capturePattern[3]
}

// CaptureHeaderPrefix scans buf for the identification header page
// (sequence number 0) followed by the comment header page(s): page 1 plus
// every continuation page its packet spills onto, as signalled by a final
// segment-table lacing value of 255. It returns the concatenated raw bytes
// of those pages and complete=true only once both the identification page
// and a terminated comment header have been found; otherwise it returns
// complete=false and the caller should retry on the next, larger buffer
// snapshot.
func CaptureHeaderPrefix(buf []byte) (prefix []byte, complete bool) {
	pages := SplitPages(buf)

	var idPage *Page
	for i := range pages {
		if pages[i].SequenceNumber == 0 {
			idPage = &pages[i]
			break
		}
	}
	if idPage == nil {
		return nil, false
	}

	var comment []byte
	commentDone := false
	for _, p := range pages {
		if p.SequenceNumber < 1 {
			continue
		}
		comment = append(comment, p.Raw...)
		if !p.continuesNext {
			commentDone = true
			break
		}
	}
	if !commentDone {
		return nil, false
	}

	out := make([]byte, 0, len(idPage.Raw)+len(comment))
	out = append(out, idPage.Raw...)
	out = append(out, comment...)
	return out, true
}
