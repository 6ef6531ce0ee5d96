package delta

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
)

// deltaMagic prefixes every serialized instruction stream. The trailing
// byte is the format version.
var deltaMagic = []byte("ROOKDELTA\x01")

const (
	opCopy   byte = 0x01
	opInsert byte = 0x02
)

// op is a single delta instruction. Copy ops reference a range of the
// old data, insert ops carry literal bytes.
type op struct {
	kind   byte
	offset uint64
	length uint64
	data   []byte
}

// deltaData is a parsed instruction stream together with the expected
// output size and checksum.
type deltaData struct {
	ops          []op
	outputSize   uint64
	outputSHA256 string
}

var errTruncated = errors.New("delta stream truncated")

// hashBlock hashes one block with FNV-1a.
func hashBlock(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// computeDiff produces the instruction stream turning old into new.
// It indexes the old data in fixed-size blocks, scans the new data for
// matching blocks, extends matches byte by byte, and emits everything
// in between as inserts.
func computeDiff(old, new []byte) *deltaData {
	sum := sha256.Sum256(new)

	index := make(map[uint64][]int)
	for pos := 0; pos < len(old); pos += blockSize {
		end := pos + blockSize
		if end > len(old) {
			end = len(old)
		}
		h := hashBlock(old[pos:end])
		index[h] = append(index[h], pos)
	}

	var ops []op
	var pending []byte
	newPos := 0

	for newPos < len(new) {
		blockLen := len(new) - newPos
		if blockLen > blockSize {
			blockLen = blockSize
		}
		block := new[newPos : newPos+blockLen]

		matched := false
		for _, oldPos := range index[hashBlock(block)] {
			if oldPos+blockLen > len(old) || !bytes.Equal(old[oldPos:oldPos+blockLen], block) {
				continue
			}
			if len(pending) > 0 {
				ops = append(ops, op{kind: opInsert, data: pending})
				pending = nil
			}

			matchLen := blockLen
			for newPos+matchLen < len(new) && oldPos+matchLen < len(old) &&
				new[newPos+matchLen] == old[oldPos+matchLen] {
				matchLen++
			}

			ops = append(ops, op{kind: opCopy, offset: uint64(oldPos), length: uint64(matchLen)})
			newPos += matchLen
			matched = true
			break
		}

		if !matched {
			pending = append(pending, new[newPos])
			newPos++
		}
	}
	if len(pending) > 0 {
		ops = append(ops, op{kind: opInsert, data: pending})
	}

	return &deltaData{
		ops:          mergeOps(ops),
		outputSize:   uint64(len(new)),
		outputSHA256: hex.EncodeToString(sum[:]),
	}
}

// mergeOps coalesces adjacent inserts and contiguous copies.
func mergeOps(ops []op) []op {
	var merged []op
	for _, o := range ops {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.kind == opInsert && o.kind == opInsert {
				last.data = append(last.data, o.data...)
				continue
			}
			if last.kind == opCopy && o.kind == opCopy && last.offset+last.length == o.offset {
				last.length += o.length
				continue
			}
		}
		merged = append(merged, o)
	}
	return merged
}

// serialize encodes the instruction stream into its wire form.
func (d *deltaData) serialize() ([]byte, error) {
	shaBytes, err := hex.DecodeString(d.outputSHA256)
	if err != nil || len(shaBytes) != sha256.Size {
		return nil, fmt.Errorf("invalid output checksum %q", d.outputSHA256)
	}

	var buf bytes.Buffer
	buf.Write(deltaMagic)
	buf.Write(binary.LittleEndian.AppendUint64(nil, d.outputSize))
	buf.Write(shaBytes)
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(d.ops))))

	for _, o := range d.ops {
		switch o.kind {
		case opCopy:
			buf.WriteByte(opCopy)
			buf.Write(binary.LittleEndian.AppendUint64(nil, o.offset))
			buf.Write(binary.LittleEndian.AppendUint64(nil, o.length))
		case opInsert:
			buf.WriteByte(opInsert)
			buf.Write(binary.LittleEndian.AppendUint64(nil, uint64(len(o.data))))
			buf.Write(o.data)
		default:
			return nil, fmt.Errorf("unknown delta operation %#x", o.kind)
		}
	}
	return buf.Bytes(), nil
}

// parseDelta decodes a serialized instruction stream.
func parseDelta(data []byte) (*deltaData, error) {
	if len(data) < len(deltaMagic) || !bytes.Equal(data[:len(deltaMagic)], deltaMagic) {
		return nil, errors.New("invalid delta stream format")
	}
	pos := len(deltaMagic)

	if pos+8+sha256.Size+4 > len(data) {
		return nil, errTruncated
	}
	outputSize := binary.LittleEndian.Uint64(data[pos:])
	pos += 8
	outputSHA := hex.EncodeToString(data[pos : pos+sha256.Size])
	pos += sha256.Size
	opCount := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4

	ops := make([]op, 0, opCount)
	for i := 0; i < opCount; i++ {
		if pos >= len(data) {
			return nil, errTruncated
		}
		kind := data[pos]
		pos++
		switch kind {
		case opCopy:
			if pos+16 > len(data) {
				return nil, errTruncated
			}
			offset := binary.LittleEndian.Uint64(data[pos:])
			length := binary.LittleEndian.Uint64(data[pos+8:])
			pos += 16
			ops = append(ops, op{kind: opCopy, offset: offset, length: length})
		case opInsert:
			if pos+8 > len(data) {
				return nil, errTruncated
			}
			length := binary.LittleEndian.Uint64(data[pos:])
			pos += 8
			// Compare in uint64 space so an absurd length cannot wrap
			// into a negative slice bound.
			if length > uint64(len(data)-pos) {
				return nil, errTruncated
			}
			ops = append(ops, op{kind: opInsert, data: data[pos : pos+int(length)]})
			pos += int(length)
		default:
			return nil, fmt.Errorf("unknown delta operation %#x", kind)
		}
	}

	return &deltaData{ops: ops, outputSize: outputSize, outputSHA256: outputSHA}, nil
}

// apply replays the instruction stream against the old data and
// verifies the size and checksum of the result.
func (d *deltaData) apply(old []byte) ([]byte, error) {
	out := make([]byte, 0, d.outputSize)
	for _, o := range d.ops {
		switch o.kind {
		case opCopy:
			// Checked without computing offset+length, which can wrap
			// past the old size on a corrupt stream.
			if o.offset > uint64(len(old)) || o.length > uint64(len(old))-o.offset {
				return nil, fmt.Errorf("delta copy out of bounds: offset %d length %d (old size %d)",
					o.offset, o.length, len(old))
			}
			out = append(out, old[o.offset:o.offset+o.length]...)
		case opInsert:
			out = append(out, o.data...)
		}
	}

	if uint64(len(out)) != d.outputSize {
		return nil, fmt.Errorf("delta output size mismatch: expected %d, got %d",
			d.outputSize, len(out))
	}
	sum := sha256.Sum256(out)
	if hex.EncodeToString(sum[:]) != d.outputSHA256 {
		return nil, errors.New("delta output checksum mismatch")
	}
	return out, nil
}
