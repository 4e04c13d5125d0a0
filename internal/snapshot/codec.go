package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/conv"
	"github.com/hupe1980/mutrun/internal/hash"
)

const (
	// Version is the format version written by Write.
	Version    uint16 = 1
	headerSize        = 24
)

var magic = [4]byte{'M', 'R', 'U', 'N'}

// Write encodes s with compression c and returns the number of bytes written.
func Write(w io.Writer, s *Snapshot, c Compression) (int64, error) {
	var body bytes.Buffer
	bw := newBlockWriter(&body, c, 0)

	enc := encoder{buf: make([]byte, 0, 4096)}
	enc.encode(s, func(b []byte) {
		_, _ = bw.Write(b)
	})
	if err := bw.flushBlock(); err != nil {
		return 0, err
	}

	var header [headerSize]byte
	copy(header[:4], magic[:])
	binary.LittleEndian.PutUint16(header[4:], Version)
	header[6] = byte(c)
	binary.LittleEndian.PutUint32(header[8:], hash.CRC32C(body.Bytes()))
	binary.LittleEndian.PutUint64(header[12:], uint64(body.Len()))

	n, err := w.Write(header[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(body.Bytes())
	return int64(n + m), err
}

// Read decodes a snapshot from data.
func Read(data []byte) (*Snapshot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrFormat, len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, data[:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	c := Compression(data[6])
	crc := binary.LittleEndian.Uint32(data[8:])
	length := binary.LittleEndian.Uint64(data[12:])
	if length != uint64(len(data)-headerSize) {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrFormat, len(data)-headerSize, length)
	}

	body := data[headerSize:]
	if got := hash.CRC32C(body); got != crc {
		return nil, fmt.Errorf("%w: got %08x, want %08x", ErrChecksum, got, crc)
	}

	raw, err := decompressAll(body, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	dec := decoder{buf: raw}
	s := dec.decode()
	if dec.err != nil {
		return nil, dec.err
	}
	if len(dec.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(dec.buf))
	}
	return s, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *encoder) varint(v int64)   { e.buf = binary.AppendVarint(e.buf, v) }
func (e *encoder) byte1(v byte)     { e.buf = append(e.buf, v) }
func (e *encoder) float(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *encoder) encode(s *Snapshot, emit func([]byte)) {
	flush := func() {
		if len(e.buf) >= 2048 {
			emit(e.buf)
			e.buf = e.buf[:0]
		}
	}

	e.varint(s.Generation)

	e.uvarint(uint64(len(s.Types)))
	for _, mt := range s.Types {
		e.varint(int64(mt.ID))
		e.varint(int64(mt.StackGroup))
		e.byte1(byte(mt.StackPolicy))
		e.byte1(boolByte(mt.ConvertToSubstitution))
	}

	e.uvarint(uint64(len(s.Mutations)))
	for _, m := range s.Mutations {
		e.uvarint(uint64(m.Key))
		e.varint(m.ID)
		e.varint(int64(m.Type))
		e.uvarint(uint64(m.Chromosome))
		e.varint(m.Position)
		e.float(m.Effect)
		e.varint(m.OriginGeneration)
		flush()
	}

	e.uvarint(uint64(len(s.Substitutions)))
	for _, sub := range s.Substitutions {
		e.varint(sub.MutationID)
		e.varint(int64(sub.Type))
		e.uvarint(uint64(sub.Chromosome))
		e.varint(sub.Position)
		e.float(sub.Effect)
		e.varint(sub.OriginGeneration)
		e.varint(sub.FixationGeneration)
		flush()
	}

	e.uvarint(uint64(len(s.Chromosomes)))
	for _, ch := range s.Chromosomes {
		e.uvarint(uint64(ch.ID))
		e.varint(ch.Length)
		e.uvarint(uint64(ch.SlotCount))
		e.varint(ch.WindowLength)
		e.uvarint(uint64(len(ch.Genomes)))
		for _, g := range ch.Genomes {
			if g.Null {
				e.byte1(1)
				continue
			}
			e.byte1(0)
			e.varint(g.WindowLength)
			e.uvarint(uint64(len(g.Slots)))
			for _, keys := range g.Slots {
				// 0 is the empty marker, n+1 a run of n mutations
				if keys == nil {
					e.uvarint(0)
					continue
				}
				e.uvarint(uint64(len(keys)) + 1)
				for _, k := range keys {
					e.uvarint(uint64(k))
				}
			}
			flush()
		}
	}
	emit(e.buf)
	e.buf = e.buf[:0]
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// decoder reads varints from buf and keeps the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated %s", ErrFormat, what)
	}
	d.buf = nil
}

func (d *decoder) uvarint(what string) uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail(what)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint(what string) int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail(what)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) u32(what string) uint32 {
	v, err := conv.Uint64ToUint32(d.uvarint(what))
	d.narrow(what, err)
	return v
}

func (d *decoder) i32(what string) int32 {
	v, err := conv.Int64ToInt32(d.varint(what))
	d.narrow(what, err)
	return v
}

func (d *decoder) narrow(what string, err error) {
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("%w: %s: %w", ErrFormat, what, err)
		d.buf = nil
	}
}

func (d *decoder) byte1(what string) byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.fail(what)
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) float(what string) float64 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 8 {
		d.fail(what)
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf))
	d.buf = d.buf[8:]
	return v
}

// count reads a length prefix and rejects values that cannot fit the rest of
// the buffer, so corrupt input never triggers a huge allocation.
func (d *decoder) count(what string) int {
	return d.bounded(what, d.uvarint(what))
}

func (d *decoder) bounded(what string, n uint64) int {
	if d.err == nil && n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: %s count %d exceeds remaining %d bytes", ErrFormat, what, n, len(d.buf))
		d.buf = nil
		return 0
	}
	return int(n)
}

func (d *decoder) decode() *Snapshot {
	s := &Snapshot{Generation: d.varint("generation")}

	s.Types = make([]catalog.MutationType, d.count("types"))
	for i := range s.Types {
		s.Types[i] = catalog.MutationType{
			ID:                    d.i32("type id"),
			StackGroup:            d.i32("stack group"),
			StackPolicy:           catalog.StackPolicy(d.byte1("stack policy")),
			ConvertToSubstitution: d.byte1("convert flag") == 1,
		}
	}

	s.Mutations = make([]Mutation, d.count("mutations"))
	for i := range s.Mutations {
		m := &s.Mutations[i]
		m.Key = d.u32("mutation key")
		m.ID = d.varint("mutation id")
		m.Type = d.i32("mutation type")
		m.Chromosome = d.u32("mutation chromosome")
		m.Position = d.varint("mutation position")
		m.Effect = d.float("mutation effect")
		m.OriginGeneration = d.varint("origin generation")
		m.State = catalog.StateSegregating
	}

	s.Substitutions = make([]catalog.Substitution, d.count("substitutions"))
	for i := range s.Substitutions {
		sub := &s.Substitutions[i]
		sub.MutationID = d.varint("substitution id")
		sub.Type = d.i32("substitution type")
		sub.Chromosome = d.u32("substitution chromosome")
		sub.Position = d.varint("substitution position")
		sub.Effect = d.float("substitution effect")
		sub.OriginGeneration = d.varint("origin generation")
		sub.FixationGeneration = d.varint("fixation generation")
	}

	s.Chromosomes = make([]Chromosome, d.count("chromosomes"))
	for i := range s.Chromosomes {
		ch := &s.Chromosomes[i]
		ch.ID = d.u32("chromosome id")
		ch.Length = d.varint("chromosome length")
		slots, err := conv.Uint64ToInt(d.uvarint("slot count"))
		d.narrow("slot count", err)
		ch.SlotCount = slots
		ch.WindowLength = d.varint("window length")
		ch.Genomes = make([]Genome, d.count("genomes"))
		for j := range ch.Genomes {
			g := &ch.Genomes[j]
			if d.byte1("null flag") == 1 {
				g.Null = true
				continue
			}
			g.WindowLength = d.varint("genome window")
			g.Slots = make([][]uint32, d.count("slots"))
			for k := range g.Slots {
				// 0 is the empty marker, otherwise len+1
				marker := d.uvarint("run")
				if marker == 0 {
					continue
				}
				keys := make([]uint32, d.bounded("run", marker-1))
				for x := range keys {
					keys[x] = d.u32("run entry")
				}
				g.Slots[k] = keys
			}
		}
	}
	return s
}
