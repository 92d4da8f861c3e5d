package media

// Bitop reads a bitstream out of a byte buffer, one or more bits at a time.
// Used by the media package to pick apart AAC/AVC/HEVC configuration
// records. Methods use pointer receivers: a value receiver here would read
// the cursor but silently drop every position update the method makes,
// breaking every caller that reads more than one field in sequence.
type Bitop struct {
	buffer []byte
	buflen uint32
	bufpos uint32
	bufoff uint32
	iserro bool
}

func NewBitop(buffer []byte) *Bitop {
	return &Bitop{
		buffer: buffer,
		buflen: uint32(len(buffer)),
	}
}

func (b *Bitop) Error() bool { return b.iserro }

func (b *Bitop) Read(n uint32) uint32 {
	var v uint32
	var d uint32

	for n > 0 {
		if b.bufpos >= b.buflen {
			b.iserro = true
			return 0
		}

		b.iserro = false

		if b.bufoff+n > 8 {
			d = 8 - b.bufoff
		} else {
			d = n
		}

		v <<= d
		v += uint32((b.buffer[b.bufpos] >> byte(8-b.bufoff-d)) & (0xff >> byte(8-d)))

		b.bufoff += d
		n -= d

		if b.bufoff == 8 {
			b.bufpos++
			b.bufoff = 0
		}
	}

	return v
}

func (b *Bitop) Look(n uint32) uint32 {
	p := b.bufpos
	o := b.bufoff

	v := b.Read(n)

	b.bufpos = p
	b.bufoff = o

	return v
}

func (b *Bitop) ReadGolomb() uint32 {
	var n uint32

	for b.Read(1) == 0 && !b.iserro {
		n++
	}

	return (1 << n) + b.Read(n) - 1
}
