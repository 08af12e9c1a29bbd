package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"
)

// ctr applies AES-CTR with an 8-byte IV zero-padded to 16, the CENC layout.
func ctr(t *testing.T, key, iv8, data []byte) []byte {
	t.Helper()
	iv := make([]byte, 16)
	copy(iv, iv8)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// buildTraf assembles a traf with tfhd(track 1), trun(one sample of the
// given size, data offset 200), senc with the given payload, and a saiz.
func buildTraf(sampleSize uint32, sencPayload []byte) []byte {
	tfhd := packBox("tfhd", append(u32(0), u32(1)...))

	trunPayload := bytes.Join([][]byte{
		u32(0x000201), // flags: data-offset + sample-size present
		u32(1),        // sample count
		u32(200),      // data offset
		u32(sampleSize),
	}, nil)
	trun := packBox("trun", trunPayload)

	senc := packBox("senc", sencPayload)
	saiz := packBox("saiz", []byte{0, 0, 0, 0, 16})

	var traf bytes.Buffer
	traf.Write(tfhd)
	traf.Write(trun)
	traf.Write(senc)
	traf.Write(saiz)
	return packBox("traf", traf.Bytes())
}

func sencNoSubsamples(iv []byte) []byte {
	return bytes.Join([][]byte{u32(0), u32(1), iv}, nil)
}

func TestParseKeyPairs(t *testing.T) {
	tests := []struct {
		name    string
		keyID   string
		key     string
		wantErr bool
		wantLen int
	}{
		{
			name:    "single pair",
			keyID:   "00112233445566778899aabbccddeeff",
			key:     "000102030405060708090a0b0c0d0e0f",
			wantLen: 1,
		},
		{
			name:    "two pairs",
			keyID:   "aa,bb",
			key:     "000102030405060708090a0b0c0d0e0f,0f0e0d0c0b0a09080706050403020100",
			wantLen: 2,
		},
		{
			name:    "count mismatch",
			keyID:   "aa,bb",
			key:     "000102030405060708090a0b0c0d0e0f",
			wantErr: true,
		},
		{
			name:    "bad hex",
			keyID:   "aa",
			key:     "zz0102030405060708090a0b0c0d0e0f",
			wantErr: true,
		},
		{
			name:    "wrong key length",
			keyID:   "aa",
			key:     "0001",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := ParseKeyPairs(tt.keyID, tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(keys) != tt.wantLen {
				t.Errorf("got %d keys, want %d", len(keys), tt.wantLen)
			}
		})
	}
}

func TestDecryptSingleSample(t *testing.T) {
	key := make([]byte, 16)
	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7}

	plaintext := make([]byte, 256)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	ciphertext := ctr(t, key, iv, plaintext)

	moof := packBox("moof", buildTraf(256, sencNoSubsamples(iv)))
	mdat := packBox("mdat", ciphertext)
	media := append(moof, mdat...)

	d := NewDecrypter(map[string][]byte{"00": key})
	out, err := d.DecryptSegment(nil, media)
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}

	boxes := parseBoxes(out)
	if len(boxes) != 2 || boxes[0].fourcc != "moof" || boxes[1].fourcc != "mdat" {
		t.Fatalf("unexpected output boxes: %+v", boxes)
	}

	if !bytes.Equal(boxes[1].payload, plaintext) {
		t.Errorf("mdat not decrypted; first 16 bytes %x, want %x",
			boxes[1].payload[:16], plaintext[:16])
	}

	// The protection boxes must be gone from the traf.
	traf := parseBoxes(boxes[0].payload)[0]
	for _, c := range parseBoxes(traf.payload) {
		if c.fourcc == "senc" || c.fourcc == "saiz" || c.fourcc == "saio" {
			t.Errorf("protection box %s survived", c.fourcc)
		}
	}

	// trun data offset shrinks by the removed senc+saiz bytes.
	removed := (8 + 16) + (8 + 5)
	for _, c := range parseBoxes(traf.payload) {
		if c.fourcc == "trun" {
			offset := int32(binary.BigEndian.Uint32(c.payload[8:12]))
			if int(offset) != 200-removed {
				t.Errorf("trun offset = %d, want %d", offset, 200-removed)
			}
		}
	}
}

func TestDecryptSubsamples(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte{9, 9, 9, 9, 0, 0, 0, 0}

	clearPart := []byte("HDR!")
	secret := []byte("secretpayload")
	encPart := ctr(t, key, iv, secret)
	sample := append(append([]byte{}, clearPart...), encPart...)

	senc := bytes.Join([][]byte{
		u32(0x000002), // subsample flag
		u32(1),        // sample count
		iv,
		u16(1), // subsample count
		u16(uint16(len(clearPart))),
		u32(uint32(len(encPart))),
	}, nil)

	moof := packBox("moof", buildTraf(uint32(len(sample)), senc))
	mdat := packBox("mdat", sample)

	d := NewDecrypter(map[string][]byte{"00": key})
	out, err := d.DecryptSegment(nil, append(moof, mdat...))
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}

	boxes := parseBoxes(out)
	payload := boxes[len(boxes)-1].payload
	if !bytes.Equal(payload[:len(clearPart)], clearPart) {
		t.Errorf("clear range modified: %q", payload[:len(clearPart)])
	}
	if !bytes.Equal(payload[len(clearPart):], secret) {
		t.Errorf("encrypted range not decrypted: %q", payload[len(clearPart):])
	}
}

func TestDecryptMultipleTruns(t *testing.T) {
	key := make([]byte, 16)
	iv1 := []byte{1, 0, 0, 0, 0, 0, 0, 1}
	iv2 := []byte{2, 0, 0, 0, 0, 0, 0, 2}

	plain1 := bytes.Repeat([]byte{0xAA}, 16)
	plain2 := bytes.Repeat([]byte{0xBB}, 32)
	enc := append(ctr(t, key, iv1, plain1), ctr(t, key, iv2, plain2)...)

	tfhd := packBox("tfhd", append(u32(0), u32(1)...))
	trun1 := packBox("trun", bytes.Join([][]byte{u32(0x000201), u32(1), u32(200), u32(16)}, nil))
	trun2 := packBox("trun", bytes.Join([][]byte{u32(0x000201), u32(1), u32(216), u32(32)}, nil))

	// senc version 1 carries no sample count of its own; it must come
	// from the samples of every trun in the traf, not just the last.
	senc := packBox("senc", bytes.Join([][]byte{u32(0x01000000), iv1, iv2}, nil))

	traf := packBox("traf", bytes.Join([][]byte{tfhd, trun1, trun2, senc}, nil))
	moof := packBox("moof", traf)
	mdat := packBox("mdat", enc)

	d := NewDecrypter(map[string][]byte{"00": key})
	out, err := d.DecryptSegment(nil, append(moof, mdat...))
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}

	boxes := parseBoxes(out)
	payload := boxes[len(boxes)-1].payload
	if !bytes.Equal(payload[:16], plain1) {
		t.Errorf("first trun's sample not decrypted: %x", payload[:16])
	}
	if !bytes.Equal(payload[16:], plain2) {
		t.Errorf("second trun's sample not decrypted: %x", payload[16:])
	}
}

func TestMoovRewrite(t *testing.T) {
	frma := packBox("frma", []byte("avc1"))
	schm := packBox("schm", u32(0))
	sinf := packBox("sinf", append(frma, schm...))

	encvFixed := make([]byte, 78)
	encv := packBox("encv", append(encvFixed, sinf...))

	stsdPayload := append(append(u32(0), u32(1)...), encv...)
	stsd := packBox("stsd", stsdPayload)
	stbl := packBox("stbl", stsd)
	minf := packBox("minf", stbl)
	mdia := packBox("mdia", minf)
	trak := packBox("trak", mdia)
	pssh := packBox("pssh", make([]byte, 32))
	uuid := packBox("uuid", make([]byte, 24))
	moov := packBox("moov", bytes.Join([][]byte{pssh, trak, uuid}, nil))

	d := NewDecrypter(map[string][]byte{"00": make([]byte, 16)})
	out, err := d.DecryptSegment(moov, nil)
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}

	if len(out) > len(moov) {
		t.Errorf("rewritten moov grew: %d > %d", len(out), len(moov))
	}

	rewritten := parseBoxes(out)[0]
	for _, c := range parseBoxes(rewritten.payload) {
		if c.fourcc == "pssh" || c.fourcc == "uuid" {
			t.Errorf("%s box survived moov rewrite", c.fourcc)
		}
	}

	if !bytes.Contains(out, []byte("avc1")) {
		t.Error("encv entry not renamed to avc1")
	}
	if bytes.Contains(out, []byte("encv")) || bytes.Contains(out, []byte("sinf")) {
		t.Error("protected sample entry leftovers present")
	}
}

func TestUnknownBoxesPassThrough(t *testing.T) {
	styp := packBox("styp", []byte("msdhmsdh"))
	free := packBox("free", []byte("padding."))
	input := append(append([]byte{}, styp...), free...)

	d := NewDecrypter(nil)
	out, err := d.DecryptSegment(nil, input)
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Error("unlisted boxes must pass through byte-for-byte")
	}
}

func TestMdatWithoutKeysPassesThrough(t *testing.T) {
	mdat := packBox("mdat", []byte("cleartext segment bytes"))

	d := NewDecrypter(nil)
	out, err := d.DecryptSegment(nil, mdat)
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}
	if !bytes.Equal(out, mdat) {
		t.Error("mdat without senc state must pass through")
	}
}

func TestSidxPatched(t *testing.T) {
	// sidx v1: version/flags, ref id, timescale, 64-bit earliest pts
	// and first offset, reserved, ref count, then one reference entry.
	ref := u32(0x00000400) // type 0, referenced size 1024
	sidxPayload := bytes.Join([][]byte{
		u32(0x01000000), u32(1), u32(1000),
		make([]byte, 8), make([]byte, 8),
		u16(0), u16(1),
		ref, u32(2000), u32(0x90000000),
	}, nil)
	sidx := packBox("sidx", sidxPayload)

	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	moof := packBox("moof", buildTraf(16, sencNoSubsamples(iv)))
	mdat := packBox("mdat", make([]byte, 16))

	input := bytes.Join([][]byte{sidx, moof, mdat}, nil)
	d := NewDecrypter(map[string][]byte{"00": make([]byte, 16)})
	out, err := d.DecryptSegment(nil, input)
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}

	removed := (8 + 16) + (8 + 5) // senc + saiz with headers
	got := binary.BigEndian.Uint32(out[8+32:]) & 0x7FFFFFFF
	if got != uint32(1024-removed) {
		t.Errorf("sidx referenced size = %d, want %d", got, 1024-removed)
	}
}
