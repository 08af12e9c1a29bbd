// Package crypto implements ClearKey CENC decryption for fMP4 segments.
//
// The decrypter walks the ISO BMFF box tree of init||media bytes, strips
// the protection boxes (pssh, senc, saiz, saio, sinf descendants), restores
// the real sample-entry fourcc from frma, patches trun/sidx offsets for the
// removed bytes, and AES-CTR decrypts the mdat payload sample by sample.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// box is one parsed ISO BMFF box. Payload excludes the header.
type box struct {
	fourcc  string
	payload []byte
}

// trafState is what one moof contributes to decrypting the mdat after it.
type trafState struct {
	key         []byte
	samples     []sampleInfo
	sampleSizes []uint32
	removed     int // protection bytes stripped from the traf
}

type sampleInfo struct {
	iv         []byte
	subsamples []subsample
}

type subsample struct {
	clear     uint16
	encrypted uint32
}

// Decrypter decrypts one CENC-protected segment with a KID to key table.
type Decrypter struct {
	keys map[string][]byte
}

// NewDecrypter creates a decrypter. Keys are raw 16-byte AES keys indexed
// by lowercase hex KID.
func NewDecrypter(keys map[string][]byte) *Decrypter {
	return &Decrypter{keys: keys}
}

// ParseKeyPairs builds a key table from comma-separated key_id and key hex
// lists; the lists must be the same length.
func ParseKeyPairs(keyID, key string) (map[string][]byte, error) {
	kids := strings.Split(keyID, ",")
	hexKeys := strings.Split(key, ",")
	if len(kids) != len(hexKeys) {
		return nil, fmt.Errorf("mismatched key_id/key count: %d vs %d", len(kids), len(hexKeys))
	}

	keys := make(map[string][]byte, len(kids))
	for i := range kids {
		raw, err := hex.DecodeString(strings.TrimSpace(hexKeys[i]))
		if err != nil {
			return nil, fmt.Errorf("invalid key hex: %w", err)
		}
		if len(raw) != 16 {
			return nil, fmt.Errorf("key must be 16 bytes, got %d", len(raw))
		}
		keys[strings.ToLower(strings.TrimSpace(kids[i]))] = raw
	}
	return keys, nil
}

// DecryptSegment decrypts init||media and returns clear fMP4 bytes.
// Boxes other than moov, moof, sidx and mdat pass through unchanged.
func (d *Decrypter) DecryptSegment(initSegment, mediaSegment []byte) ([]byte, error) {
	combined := make([]byte, 0, len(initSegment)+len(mediaSegment))
	combined = append(combined, initSegment...)
	combined = append(combined, mediaSegment...)

	boxes := parseBoxes(combined)

	var out bytes.Buffer
	var state *trafState // set by the most recent moof
	firstRemoved := -1   // removed bytes of the first moof, for sidx
	var sidxAt []int     // out positions of deferred sidx boxes

	for _, b := range boxes {
		switch b.fourcc {
		case "moov":
			out.Write(d.rewriteMoov(b))
		case "moof":
			rewritten, st, err := d.rewriteMoof(b)
			if err != nil {
				return nil, err
			}
			state = st
			if firstRemoved < 0 {
				firstRemoved = st.removed
			}
			out.Write(rewritten)
		case "sidx":
			// Referenced sizes shrink by the bytes stripped from the
			// moof; the moof may not have been seen yet, so patch later.
			sidxAt = append(sidxAt, out.Len())
			out.Write(packBox(b.fourcc, b.payload))
		case "mdat":
			decrypted, err := d.decryptMdat(b, state)
			if err != nil {
				return nil, err
			}
			out.Write(decrypted)
		default:
			out.Write(packBox(b.fourcc, b.payload))
		}
	}

	result := out.Bytes()
	if firstRemoved > 0 {
		for _, pos := range sidxAt {
			patchSidx(result[pos:], firstRemoved)
		}
	}
	return result, nil
}

// parseBoxes splits data into sibling boxes. Truncated trailers are
// dropped rather than reported; upstreams do emit ragged segments.
func parseBoxes(data []byte) []box {
	var boxes []box
	pos := 0

	for pos+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		fourcc := string(data[pos+4 : pos+8])
		header := 8

		if size == 1 {
			if pos+16 > len(data) {
				break
			}
			size = int(binary.BigEndian.Uint64(data[pos+8:]))
			header = 16
		}

		if size < header || pos+size > len(data) {
			break
		}

		boxes = append(boxes, box{fourcc, data[pos+header : pos+size]})
		pos += size
	}

	return boxes
}

func packBox(fourcc string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out, uint32(8+len(payload)))
	copy(out[4:8], fourcc)
	copy(out[8:], payload)
	return out
}

// rewriteContainer rebuilds a container box, transforming children of the
// given fourcc and dropping children listed in drop.
func (d *Decrypter) rewriteContainer(b box, child string, transform func(box) []byte, drop ...string) []byte {
	var out bytes.Buffer
	for _, c := range parseBoxes(b.payload) {
		if c.fourcc == child {
			out.Write(transform(c))
			continue
		}
		if contains(drop, c.fourcc) {
			continue
		}
		out.Write(packBox(c.fourcc, c.payload))
	}
	return packBox(b.fourcc, out.Bytes())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// rewriteMoov strips pssh and protection uuid boxes and rewrites each
// trak's sample description.
func (d *Decrypter) rewriteMoov(moov box) []byte {
	return d.rewriteContainer(moov, "trak", func(trak box) []byte {
		return d.rewriteContainer(trak, "mdia", func(mdia box) []byte {
			return d.rewriteContainer(mdia, "minf", func(minf box) []byte {
				return d.rewriteContainer(minf, "stbl", func(stbl box) []byte {
					return d.rewriteContainer(stbl, "stsd", d.rewriteStsd)
				})
			})
		})
	}, "pssh", "uuid")
}

// rewriteStsd restores clear sample entries inside the description table.
func (d *Decrypter) rewriteStsd(stsd box) []byte {
	if len(stsd.payload) < 8 {
		return packBox("stsd", stsd.payload)
	}

	entryCount := int(binary.BigEndian.Uint32(stsd.payload[4:8]))

	var out bytes.Buffer
	out.Write(stsd.payload[:8])

	entries := parseBoxes(stsd.payload[8:])
	for i := 0; i < entryCount && i < len(entries); i++ {
		out.Write(d.rewriteSampleEntry(entries[i]))
	}

	return packBox("stsd", out.Bytes())
}

// rewriteSampleEntry replaces encv/enca with the frma original format and
// drops the sinf protection subtree.
func (d *Decrypter) rewriteSampleEntry(entry box) []byte {
	fixed := sampleEntryFixedSize(entry.fourcc)
	if fixed > len(entry.payload) {
		fixed = len(entry.payload)
	}

	var out bytes.Buffer
	out.Write(entry.payload[:fixed])

	format := ""
	for _, c := range parseBoxes(entry.payload[fixed:]) {
		switch c.fourcc {
		case "sinf":
			format = frmaFormat(c)
		case "schi", "tenc", "schm":
			// protection leftovers, dropped
		default:
			out.Write(packBox(c.fourcc, c.payload))
		}
	}

	fourcc := entry.fourcc
	switch {
	case format != "":
		fourcc = format
	case fourcc == "encv":
		fourcc = "avc1"
	case fourcc == "enca":
		fourcc = "mp4a"
	}

	return packBox(fourcc, out.Bytes())
}

// sampleEntryFixedSize is the length of the fixed (non-box) prefix of a
// sample entry payload, after which child boxes begin.
func sampleEntryFixedSize(fourcc string) int {
	switch fourcc {
	case "mp4a", "enca":
		return 28
	case "mp4v", "encv", "avc1", "hev1", "hvc1":
		return 78
	default:
		return 16
	}
}

func frmaFormat(sinf box) string {
	for _, c := range parseBoxes(sinf.payload) {
		if c.fourcc == "frma" && len(c.payload) >= 4 {
			return string(c.payload[:4])
		}
	}
	return ""
}

// rewriteMoof strips sample-encryption boxes from every traf and records
// the state needed to decrypt the following mdat.
func (d *Decrypter) rewriteMoof(moof box) ([]byte, *trafState, error) {
	state := &trafState{}

	var out bytes.Buffer
	for _, c := range parseBoxes(moof.payload) {
		if c.fourcc != "traf" {
			out.Write(packBox(c.fourcc, c.payload))
			continue
		}
		rewritten, err := d.rewriteTraf(c, state)
		if err != nil {
			return nil, nil, err
		}
		out.Write(rewritten)
	}

	return packBox("moof", out.Bytes()), state, nil
}

func (d *Decrypter) rewriteTraf(traf box, state *trafState) ([]byte, error) {
	children := parseBoxes(traf.payload)

	// Total size of the boxes about to disappear, header included.
	// trun data offsets point past them and must shrink by this much.
	for _, c := range children {
		switch c.fourcc {
		case "senc", "saiz", "saio", "uuid":
			state.removed += 8 + len(c.payload)
		}
	}

	var out bytes.Buffer
	var trackID uint32
	var sencPayload []byte
	sampleCount := 0

	for _, c := range children {
		switch c.fourcc {
		case "tfhd":
			if len(c.payload) >= 8 {
				trackID = binary.BigEndian.Uint32(c.payload[4:8])
			}
			out.Write(packBox(c.fourcc, c.payload))
		case "trun":
			// A traf may carry several truns; samples span all of them.
			count, sizes := parseTrun(c.payload)
			sampleCount += count
			state.sampleSizes = append(state.sampleSizes, sizes...)
			out.Write(packBox("trun", patchTrunOffset(c.payload, state.removed)))
		case "senc":
			sencPayload = c.payload
		case "saiz", "saio", "uuid":
			// dropped
		default:
			out.Write(packBox(c.fourcc, c.payload))
		}
	}

	// Parsed last so the count covers every trun, wherever senc sits.
	if sencPayload != nil {
		state.samples = parseSenc(sencPayload, sampleCount)
	}

	key, err := d.keyForTrack(trackID)
	if err != nil {
		return nil, err
	}
	state.key = key

	return packBox("traf", out.Bytes()), nil
}

// parseTrun returns the sample count and per-sample sizes (zero when the
// size-present flag is absent).
func parseTrun(payload []byte) (int, []uint32) {
	if len(payload) < 8 {
		return 0, nil
	}

	flags := binary.BigEndian.Uint32(payload[0:4]) & 0xFFFFFF
	count := int(binary.BigEndian.Uint32(payload[4:8]))

	pos := 8
	if flags&0x000001 != 0 {
		pos += 4 // data-offset
	}
	if flags&0x000004 != 0 {
		pos += 4 // first-sample-flags
	}

	sizes := make([]uint32, count)
	for i := 0; i < count && pos < len(payload); i++ {
		if flags&0x000100 != 0 {
			pos += 4 // duration
		}
		if flags&0x000200 != 0 && pos+4 <= len(payload) {
			sizes[i] = binary.BigEndian.Uint32(payload[pos:])
			pos += 4
		}
		if flags&0x000400 != 0 {
			pos += 4 // sample flags
		}
		if flags&0x000800 != 0 {
			pos += 4 // composition time offset
		}
	}

	return count, sizes
}

// patchTrunOffset decrements the signed data offset by removed bytes when
// the data-offset-present flag is set.
func patchTrunOffset(payload []byte, removed int) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)

	flags := binary.BigEndian.Uint32(out[0:4]) & 0xFFFFFF
	if flags&0x000001 != 0 && len(out) >= 12 {
		offset := int32(binary.BigEndian.Uint32(out[8:12]))
		binary.BigEndian.PutUint32(out[8:12], uint32(offset-int32(removed)))
	}
	return out
}

// parseSenc reads per-sample IVs (8 bytes each) and optional subsample
// partitions. Version 0 carries its own sample count.
func parseSenc(payload []byte, sampleCount int) []sampleInfo {
	if len(payload) < 4 {
		return nil
	}

	versionFlags := binary.BigEndian.Uint32(payload[0:4])
	flags := versionFlags & 0xFFFFFF
	pos := 4

	if versionFlags>>24 == 0 {
		if pos+4 > len(payload) {
			return nil
		}
		sampleCount = int(binary.BigEndian.Uint32(payload[pos:]))
		pos += 4
	}

	var samples []sampleInfo
	for i := 0; i < sampleCount && pos+8 <= len(payload); i++ {
		iv := make([]byte, 8)
		copy(iv, payload[pos:pos+8])
		pos += 8

		var subs []subsample
		if flags&0x000002 != 0 && pos+2 <= len(payload) {
			n := int(binary.BigEndian.Uint16(payload[pos:]))
			pos += 2
			for j := 0; j < n && pos+6 <= len(payload); j++ {
				subs = append(subs, subsample{
					clear:     binary.BigEndian.Uint16(payload[pos:]),
					encrypted: binary.BigEndian.Uint32(payload[pos+2:]),
				})
				pos += 6
			}
		}

		samples = append(samples, sampleInfo{iv: iv, subsamples: subs})
	}

	return samples
}

// keyForTrack picks the key for a track. A single-key table is used
// unconditionally; multi-key tables select by track order over sorted KIDs.
func (d *Decrypter) keyForTrack(trackID uint32) ([]byte, error) {
	if len(d.keys) == 0 {
		return nil, nil
	}
	if len(d.keys) == 1 {
		for _, key := range d.keys {
			return key, nil
		}
	}

	kids := make([]string, 0, len(d.keys))
	for kid := range d.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	if trackID == 0 {
		return nil, fmt.Errorf("no key for track 0 in multi-key table")
	}
	return d.keys[kids[(int(trackID)-1)%len(kids)]], nil
}

// decryptMdat decrypts each sample described by the preceding moof.
// Residual bytes after the last sample pass through untouched.
func (d *Decrypter) decryptMdat(mdat box, state *trafState) ([]byte, error) {
	if state == nil || state.key == nil || len(state.samples) == 0 {
		return packBox("mdat", mdat.payload), nil
	}

	var out bytes.Buffer
	pos := 0

	for i, sample := range state.samples {
		if pos >= len(mdat.payload) {
			break
		}

		size := len(mdat.payload) - pos
		if i < len(state.sampleSizes) && state.sampleSizes[i] > 0 {
			size = int(state.sampleSizes[i])
		}
		if pos+size > len(mdat.payload) {
			size = len(mdat.payload) - pos
		}

		clear, err := decryptSample(mdat.payload[pos:pos+size], state.key, sample)
		if err != nil {
			return nil, err
		}
		out.Write(clear)
		pos += size
	}

	if pos < len(mdat.payload) {
		out.Write(mdat.payload[pos:])
	}

	return packBox("mdat", out.Bytes()), nil
}

// decryptSample runs AES-CTR over one sample. With subsample entries only
// the encrypted ranges go through the keystream; without them the whole
// sample does. The counter is continuous across ranges of one sample.
func decryptSample(sample, key []byte, info sampleInfo) ([]byte, error) {
	iv := make([]byte, 16)
	copy(iv, info.iv)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher setup: %w", err)
	}
	stream := cipher.NewCTR(block, iv)

	if len(info.subsamples) == 0 {
		out := make([]byte, len(sample))
		stream.XORKeyStream(out, sample)
		return out, nil
	}

	var out bytes.Buffer
	pos := 0
	for _, sub := range info.subsamples {
		clearEnd := min(pos+int(sub.clear), len(sample))
		out.Write(sample[pos:clearEnd])
		pos = clearEnd

		encEnd := min(pos+int(sub.encrypted), len(sample))
		dec := make([]byte, encEnd-pos)
		stream.XORKeyStream(dec, sample[pos:encEnd])
		out.Write(dec)
		pos = encEnd
	}

	// Trailing bytes not covered by the partition are encrypted.
	if pos < len(sample) {
		dec := make([]byte, len(sample)-pos)
		stream.XORKeyStream(dec, sample[pos:])
		out.Write(dec)
	}

	return out.Bytes(), nil
}

// patchSidx decrements the first reference's referenced_size in a packed
// sidx box (buf starts at the box header).
func patchSidx(buf []byte, removed int) {
	// Payload offset 32 is the first reference entry for version 1:
	// version/flags(4) + ref id(4) + timescale(4) + 64-bit pts and
	// first offset(16) + reserved(2) + count(2).
	const refOffset = 8 + 32
	if len(buf) < refOffset+4 {
		return
	}

	word := binary.BigEndian.Uint32(buf[refOffset:])
	refType := word >> 31
	size := word & 0x7FFFFFFF
	binary.BigEndian.PutUint32(buf[refOffset:], refType<<31|(size-uint32(removed)))
}
